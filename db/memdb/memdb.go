// Package memdb is a deterministic, single-process db.Database used by the
// taskqueue test suite. It is a hand-rolled fake rather than a borrowed
// third-party in-memory database — see DESIGN.md for why no ecosystem
// library was a better fit.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/internal/timeutil"
)

type entry struct {
	// value holds whatever was committed: a map[string]any for a
	// well-formed record, or any other concrete type for a value a test
	// injected directly via SetRaw to exercise malformed-task handling.
	value  any
	exists bool
	seq    uint64
}

// DB is an in-memory db.Database, safe for concurrent use. All mutation
// runs under a single mutex; listener callbacks are always invoked with
// the mutex released so they may themselves call back into the DB (the
// engine's listener handlers routinely start a new transaction from
// inside a child-added callback).
type DB struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	clock   timeutil.Clock
	offset  time.Duration

	valueWatchers map[string][]*valueWatcher
	queryViews    map[string]*queryView
	nextWatcherID uint64
}

// New returns an empty in-memory database using the real system clock with
// zero server offset.
func New() *DB {
	return &DB{
		entries:       make(map[string]*entry),
		clock:         timeutil.NewRealClock(),
		valueWatchers: make(map[string][]*valueWatcher),
		queryViews:    make(map[string]*queryView),
	}
}

// WithClock overrides the clock used for db.ServerTimestamp resolution,
// letting tests fix the time written at commit. ServerOffset is set
// separately, with SetOffset.
func (d *DB) WithClock(c timeutil.Clock) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = c
	return d
}

// SetOffset sets the simulated clock skew returned by ServerOffset.
func (d *DB) SetOffset(offset time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offset = offset
}

// SetRaw writes value directly at ref, bypassing the transaction reducer.
// It exists so tests can plant a malformed (non-object) task value to
// exercise ClaimFor's quarantine path, and to seed fixtures quickly.
func (d *DB) SetRaw(ref db.Ref, value any) {
	d.mu.Lock()
	snap, pending := d.commitLocked(ref, value, true)
	d.mu.Unlock()
	_ = snap
	dispatch(pending)
}

type valueWatcher struct {
	id uint64
	fn func(db.Snapshot)
}

func (d *DB) ServerOffset(ctx context.Context) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset, nil
}

func (d *DB) Ping(ctx context.Context) error { return nil }

func (d *DB) Push(ctx context.Context, ref db.Ref, value map[string]any) (db.Ref, error) {
	d.mu.Lock()
	d.seq++
	key := fmt.Sprintf("%020d", d.seq)
	d.mu.Unlock()

	child := ref.Child(key)
	if _, err := d.Transaction(ctx, child, func(current any) (map[string]any, error) {
		return cloneMap(value), nil
	}); err != nil {
		return nil, err
	}
	return child, nil
}

// Transaction runs fn against the current value at ref and commits,
// deletes, or aborts per the returned (next, err). Unlike a networked
// backend there is no real contention to retry against: the DB-wide mutex
// already serializes callers, so fn runs exactly once.
func (d *DB) Transaction(ctx context.Context, ref db.Ref, fn db.TxnFunc) (db.Snapshot, error) {
	d.mu.Lock()
	path := ref.Path()
	e, ok := d.entries[path]
	var current any
	if ok && e.exists {
		current = cloneValue(e.value)
	}

	next, err := fn(current)
	switch {
	case err == db.ErrAbort:
		d.mu.Unlock()
		return db.Snapshot{}, nil
	case err == db.ErrDelete:
		snap, pending := d.commitLocked(ref, nil, false)
		d.mu.Unlock()
		dispatch(pending)
		return snap, nil
	case err != nil:
		d.mu.Unlock()
		return db.Snapshot{}, err
	}

	var snap db.Snapshot
	var pending []func()
	if next == nil {
		snap, pending = d.commitLocked(ref, nil, false)
	} else {
		resolved := resolveTimestamps(next, d.clock.Now().Add(d.offset))
		snap, pending = d.commitLocked(ref, resolved, true)
	}
	d.mu.Unlock()
	dispatch(pending)
	return snap, nil
}

func dispatch(pending []func()) {
	for _, fn := range pending {
		fn()
	}
}

// commitLocked must be called with d.mu held; it writes the new state and
// computes (without invoking) the watcher dispatch closures triggered by
// this write.
func (d *DB) commitLocked(ref db.Ref, value any, exists bool) (db.Snapshot, []func()) {
	path := ref.Path()
	e, existed := d.entries[path]
	if !exists {
		if existed {
			delete(d.entries, path)
		}
		snap := db.Snapshot{Ref: ref, Exists: false}
		return snap, d.collectPending(ref, snap, existed)
	}

	if !existed {
		d.seq++
		e = &entry{seq: d.seq}
		d.entries[path] = e
	}
	e.value = value
	e.exists = true
	snap := db.Snapshot{Ref: ref, Value: cloneValue(value), Exists: true}
	return snap, d.collectPending(ref, snap, existed)
}

func (d *DB) collectPending(ref db.Ref, snap db.Snapshot, existedBefore bool) []func() {
	path := ref.Path()
	watchers := append([]*valueWatcher(nil), d.valueWatchers[path]...)
	parentPath := ""
	if p := ref.Parent(); p != nil {
		parentPath = p.Path()
	}

	var pending []func()
	for _, w := range watchers {
		w := w
		pending = append(pending, func() { w.fn(snap) })
	}
	for _, v := range d.queryViews {
		if v.parentPath != parentPath {
			continue
		}
		pending = append(pending, v.observe(snap, existedBefore)...)
	}
	return pending
}

func (d *DB) OnValueChanged(ctx context.Context, ref db.Ref, fn func(db.Snapshot)) (db.Registration, error) {
	d.mu.Lock()
	d.nextWatcherID++
	w := &valueWatcher{id: d.nextWatcherID, fn: fn}
	path := ref.Path()
	d.valueWatchers[path] = append(d.valueWatchers[path], w)
	d.mu.Unlock()

	return &watcherRegistration{close: func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.valueWatchers[path]
		for i, cand := range list {
			if cand.id == w.id {
				d.valueWatchers[path] = append(list[:i], list[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

// QueryOnce returns q's current matches in insertion order, without
// registering a live listener.
func (d *DB) QueryOnce(ctx context.Context, q db.Query) ([]db.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := newQueryView(q, d)
	d.seedLocked(v)
	v.finalizeSeed()
	snaps := make([]db.Snapshot, 0, len(v.windowOrder))
	for _, k := range v.windowOrder {
		ref := refFromPath(v.parentPath).Child(k)
		snaps = append(snaps, db.Snapshot{Ref: ref, Value: cloneMap(v.lastValue[k]), Exists: true})
	}
	return snaps, nil
}

func (d *DB) OnChildAdded(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(target, kindAdded, fn)
}

func (d *DB) OnChildChanged(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(target, kindChanged, fn)
}

func (d *DB) OnChildRemoved(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(target, kindRemoved, fn)
}

func (d *DB) attachQuery(target any, kind watchKind, fn func(db.Snapshot)) (db.Registration, error) {
	q := toQuery(target)

	d.mu.Lock()
	key := queryKey(q)
	v, ok := d.queryViews[key]
	if !ok {
		v = newQueryView(q, d)
		d.queryViews[key] = v
		d.seedLocked(v)
		v.finalizeSeed()
	}
	d.nextWatcherID++
	id := d.nextWatcherID
	var pending []func()
	if kind == kindAdded {
		pending = v.replayWindow(fn)
	}
	v.addCallback(id, kind, fn)
	d.mu.Unlock()

	dispatch(pending)

	return &watcherRegistration{close: func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		v.removeCallback(id, kind)
		if v.empty() {
			delete(d.queryViews, key)
		}
		return nil
	}}, nil
}

// seedLocked primes a freshly attached query view with the current
// matching children so a listener attached after tasks already exist
// still observes them as "added".
func (d *DB) seedLocked(v *queryView) {
	type cand struct {
		ref   db.Ref
		value map[string]any
		seq   uint64
	}
	var cands []cand
	for path, e := range d.entries {
		if !e.exists {
			continue
		}
		m, ok := e.value.(map[string]any)
		if !ok {
			continue // malformed entries never satisfy a filtered query
		}
		ref := refFromPath(path)
		parent := ref.Parent()
		if parent == nil || parent.Path() != v.parentPath {
			continue
		}
		if !v.matches(m) {
			continue
		}
		cands = append(cands, cand{ref: ref, value: m, seq: e.seq})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })
	for _, c := range cands {
		v.seed(c.ref, c.value)
	}
}

func cloneValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return cloneMap(m)
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func resolveTimestamps(m map[string]any, now time.Time) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := v.(db.ServerTimestamp); ok {
			out[k] = now
		} else {
			out[k] = v
		}
	}
	return out
}

type watcherRegistration struct {
	close func() error
}

func (r *watcherRegistration) Close() error { return r.close() }
