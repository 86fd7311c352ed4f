// Package db defines the hierarchical-database seam that the taskqueue
// engine is built against. It names the interface the core consumes —
// paths, child-change listeners, compare-and-set transactions, and a
// server-timestamp sentinel — without committing to a concrete backend.
// See the db/memdb and db/redisdb subpackages for implementations.
package db

import (
	"context"
	"errors"
	"time"
)

// Ref identifies a location in the hierarchy, e.g. "tasks/<id>".
type Ref interface {
	// Key returns the last path segment, e.g. the task id.
	Key() string
	// Path returns the full slash-separated path.
	Path() string
	// Child returns the Ref for a named child of this location.
	Child(id string) Ref
	// Parent returns the Ref one level up, or nil at the root.
	Parent() Ref
}

// Query is an ordered, filtered view over a Ref's children.
type Query struct {
	Ref Ref
	// With Field and HasEqualTo set, the query is restricted to children
	// whose value at Field equals EqualTo. A nil EqualTo then matches
	// children missing Field entirely or holding nil there (mirrors
	// TaskSpec's startState=nil meaning "no _state field").
	Field   string
	EqualTo any
	// HasEqualTo turns the Field/EqualTo filter on; when it is false every
	// child matches, whatever Field and EqualTo hold. Go's nil can't
	// distinguish "unset" from "match missing field" so callers set this
	// explicitly.
	HasEqualTo bool
	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// Snapshot is what a listener callback or a transaction observes: the Ref
// it concerns, its decoded value (nil if the location is empty), and
// whether it currently exists.
type Snapshot struct {
	Ref Ref
	// Value is the decoded location value: a map[string]any for a
	// well-formed record, nil when Exists is false, or some other
	// concrete type (string, []any, float64, ...) for a malformed,
	// non-object value — the backend doesn't enforce a schema.
	Value  any
	Exists bool
}

// ServerTimestamp is the sentinel value a transaction writes to request
// the server substitute its own wall-clock time for a field at commit.
// Mirrors the realtime-database convention of {".sv": "timestamp"}.
type ServerTimestamp struct{}

// ErrAbort, returned by a transaction function, aborts the transaction
// without writing anything and without surfacing as a caller-visible
// error. ErrDelete, returned alongside a nil next value, deletes the
// location. Both are sentinels TaskWorker's pure functions return to
// signal "no commit" / "delete" without a concrete next record.
var (
	ErrAbort  = errors.New("db: transaction aborted")
	ErrDelete = errors.New("db: transaction deletes location")
)

// TxnFunc is a transaction reducer: given the currently observed value
// (nil if absent, a map[string]any for a well-formed record, or some
// other concrete type for a malformed one), it returns the next value to
// commit. Returning (nil, ErrDelete) deletes the location; returning (_,
// ErrAbort) aborts without writing; any other non-nil error aborts the
// transaction and is returned to the caller of Transaction.
type TxnFunc func(current any) (next map[string]any, err error)

// Registration is returned by the OnChild* methods; call Close to stop
// delivering events for that listener.
type Registration interface {
	Close() error
}

// Database is the external collaborator the taskqueue engine depends on.
// Implementations must deliver child-added/changed/removed events for a
// Ref or Query, support a CAS transaction over a single Ref, expose a
// cached clock-skew estimate, and support opaque ordered-key inserts for
// producers.
type Database interface {
	OnChildAdded(ctx context.Context, target any, fn func(Snapshot)) (Registration, error)
	OnChildChanged(ctx context.Context, target any, fn func(Snapshot)) (Registration, error)
	OnChildRemoved(ctx context.Context, target any, fn func(Snapshot)) (Registration, error)

	// OnValueChanged watches a single location's own value (not its
	// children), used by the engine to detect that a task it believes it
	// owns has been mutated by another worker (e.g. the reaper).
	OnValueChanged(ctx context.Context, ref Ref, fn func(Snapshot)) (Registration, error)

	// Transaction runs fn against the current value at ref, retrying on
	// contention per the backend's own CAS discipline, and returns the
	// committed snapshot. A delete returns a Snapshot carrying ref with
	// Exists false; an abort returns a zero Snapshot (nil Ref).
	Transaction(ctx context.Context, ref Ref, fn TxnFunc) (Snapshot, error)

	// ServerOffset returns the backend clock's offset from this
	// process's local clock, i.e. serverNow() = time.Now().Add(offset).
	ServerOffset(ctx context.Context) (time.Duration, error)

	// Push inserts value under ref with an opaque key and returns the Ref
	// to the new child. Queries return children in insertion order; the
	// key itself need not sort in that order.
	Push(ctx context.Context, ref Ref, value map[string]any) (Ref, error)

	// QueryOnce returns the query's current matches in order, without
	// registering a live listener. Used where a transient read suffices:
	// re-polling for the next candidate after finishing a task, and the
	// janitor's retention sweep.
	QueryOnce(ctx context.Context, q Query) ([]Snapshot, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
