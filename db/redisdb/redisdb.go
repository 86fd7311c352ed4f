// Package redisdb is the production db.Database backend, storing each
// location as a Redis hash and each location's children as a Redis
// sorted set ordered by insertion sequence. Change notification is a
// hybrid of Pub/Sub (for low latency) and a rate-limited poll (since
// Pub/Sub delivery isn't guaranteed across a dropped connection).
package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/internal/errors"
)

const defaultPollInterval = 5 * time.Second

const maxTxnAttempts = 20

// DB is a db.Database backed by Redis.
type DB struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithPrefix sets the key prefix every Redis key is namespaced under.
// Defaults to "taskqueue".
func WithPrefix(prefix string) Option {
	return func(d *DB) { d.prefix = prefix }
}

// WithPollInterval sets the fallback poll interval used alongside Pub/Sub
// to guard against a missed notification. Defaults to 5 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(db *DB) { db.pollInterval = d }
}

// rateTicks turns a rate.Limiter into a channel that receives a value no
// more often than the limiter allows, closing once ctx is done. Used in
// place of a plain time.Ticker for the Pub/Sub fallback poll, so the same
// rate package paces both the poll here and the stats reporting (via
// rate.Sometimes) in the engine package.
func rateTicks(ctx context.Context, limiter *rate.Limiter) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// New returns a DB backed by client.
func New(client redis.UniversalClient, opts ...Option) *DB {
	d := &DB{client: client, prefix: "taskqueue", pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DB) dataKey(path string) string     { return fmt.Sprintf("%s:{%s}:data", d.prefix, path) }
func (d *DB) childrenKey(path string) string { return fmt.Sprintf("%s:{%s}:children", d.prefix, path) }
func (d *DB) seqKey(path string) string      { return fmt.Sprintf("%s:{%s}:seq", d.prefix, path) }
func (d *DB) changesChannel(path string) string {
	return fmt.Sprintf("%s:{%s}:changes", d.prefix, path)
}
func (d *DB) valueChannel(path string) string { return fmt.Sprintf("%s:{%s}:value", d.prefix, path) }

func (d *DB) Ping(ctx context.Context) error { return d.client.Ping(ctx).Err() }

// ServerOffset reports Redis's clock offset from this process's local
// clock, via the TIME command.
func (d *DB) ServerOffset(ctx context.Context) (time.Duration, error) {
	now, err := d.serverNow(ctx)
	if err != nil {
		return 0, err
	}
	return now.Sub(time.Now()), nil
}

func (d *DB) serverNow(ctx context.Context) (time.Time, error) {
	return d.client.Time(ctx).Result()
}

// Push inserts value under ref with a fresh opaque id and returns the Ref
// to the new child. The id is a uuid rather than a lexically sortable key:
// ordering is tracked separately, by the children sorted set's score.
func (d *DB) Push(ctx context.Context, ref db.Ref, value map[string]any) (db.Ref, error) {
	child := ref.Child(uuid.NewString())
	if _, err := d.Transaction(ctx, child, func(current any) (map[string]any, error) {
		return cloneMap(value), nil
	}); err != nil {
		return nil, err
	}
	return child, nil
}

// Transaction runs fn against the current value at ref inside a
// WATCH/MULTI optimistic transaction, retrying on contention.
func (d *DB) Transaction(ctx context.Context, ref db.Ref, fn db.TxnFunc) (db.Snapshot, error) {
	path := ref.Path()
	key := d.dataKey(path)

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		var snap db.Snapshot
		var fnErr error

		err := d.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			existed := len(raw) > 0
			var current any
			if existed {
				m, derr := decodeHash(raw)
				if derr != nil {
					return derr
				}
				current = m
			}

			next, err := fn(current)
			switch {
			case err == db.ErrAbort:
				return nil
			case err == db.ErrDelete:
				if _, perr := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, key)
					d.unindexChild(ctx, p, ref)
					return nil
				}); perr != nil {
					return perr
				}
				snap = db.Snapshot{Ref: ref, Exists: false}
				d.publish(ctx, ref)
				return nil
			case err != nil:
				fnErr = err
				return nil
			}

			now, err := d.serverNow(ctx)
			if err != nil {
				return err
			}
			resolved := resolveTimestamps(next, now)
			encoded, err := encodeHash(resolved)
			if err != nil {
				return err
			}

			// The ordering sequence is a plain counter, not part of this
			// key's CAS: assign it with an immediate command (executes
			// right away on tx, outside the queued pipeline below) before
			// queuing the child's insertion at that score.
			var seq int64
			parent := ref.Parent()
			if !existed && parent != nil {
				seq, err = tx.Incr(ctx, d.seqKey(parent.Path())).Result()
				if err != nil {
					return err
				}
			}

			if _, perr := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				if len(encoded) > 0 {
					p.HSet(ctx, key, encoded)
				}
				if !existed && parent != nil {
					p.ZAdd(ctx, d.childrenKey(parent.Path()), redis.Z{Member: ref.Key(), Score: float64(seq)})
				}
				return nil
			}); perr != nil {
				return perr
			}
			snap = db.Snapshot{Ref: ref, Value: resolved, Exists: true}
			d.publish(ctx, ref)
			return nil
		}, key)

		switch {
		case err == redis.TxFailedErr:
			continue
		case err != nil:
			return db.Snapshot{}, err
		case fnErr != nil:
			return db.Snapshot{}, fnErr
		default:
			return snap, nil
		}
	}
	return db.Snapshot{}, errors.E(errors.Aborted, fmt.Sprintf("transaction on %s did not commit after %d attempts", path, maxTxnAttempts))
}

func (d *DB) unindexChild(ctx context.Context, p redis.Pipeliner, ref db.Ref) {
	parent := ref.Parent()
	if parent == nil {
		return
	}
	p.ZRem(ctx, d.childrenKey(parent.Path()), ref.Key())
}

func (d *DB) publish(ctx context.Context, ref db.Ref) {
	if parent := ref.Parent(); parent != nil {
		d.client.Publish(ctx, d.changesChannel(parent.Path()), ref.Key())
	}
	d.client.Publish(ctx, d.valueChannel(ref.Path()), "changed")
}

// QueryOnce returns q's current matches in insertion order.
func (d *DB) QueryOnce(ctx context.Context, q db.Query) ([]db.Snapshot, error) {
	members, err := d.client.ZRangeByScore(ctx, d.childrenKey(q.Ref.Path()), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	var snaps []db.Snapshot
	for _, key := range members {
		childRef := q.Ref.Child(key)
		raw, err := d.client.HGetAll(ctx, d.dataKey(childRef.Path())).Result()
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		m, err := decodeHash(raw)
		if err != nil {
			return nil, err
		}
		if !matches(q, m) {
			continue
		}
		snaps = append(snaps, db.Snapshot{Ref: childRef, Value: m, Exists: true})
		if q.Limit > 0 && len(snaps) >= q.Limit {
			break
		}
	}
	return snaps, nil
}

func matches(q db.Query, value map[string]any) bool {
	if q.Field == "" {
		return true
	}
	fv, present := value[q.Field]
	if !q.HasEqualTo {
		return true
	}
	if q.EqualTo == nil {
		return !present || fv == nil
	}
	if !present {
		return false
	}
	return fv == q.EqualTo
}

type watchKind int

const (
	kindAdded watchKind = iota
	kindChanged
	kindRemoved
)

type registration struct{ close func() error }

func (r *registration) Close() error { return r.close() }

func toQuery(target any) db.Query {
	switch t := target.(type) {
	case db.Query:
		return t
	case db.Ref:
		return db.Query{Ref: t}
	default:
		panic(fmt.Sprintf("redisdb: unsupported query target %T", target))
	}
}

func (d *DB) OnChildAdded(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(ctx, target, kindAdded, fn)
}

func (d *DB) OnChildChanged(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(ctx, target, kindChanged, fn)
}

func (d *DB) OnChildRemoved(ctx context.Context, target any, fn func(db.Snapshot)) (db.Registration, error) {
	return d.attachQuery(ctx, target, kindRemoved, fn)
}

// queryWindow is the last observed matching set for one registration. Each
// registration tracks its own window, recomputed wholesale via QueryOnce
// on every notification rather than diffed incrementally: Redis gives no
// cheap incremental diff without a server-side script, and the window
// sizes this engine deals with (eligible or in-progress tasks for one
// spec) are small enough that a full requery per event is unremarkable.
type queryWindow struct {
	mu     sync.Mutex
	order  []string
	values map[string]map[string]any
}

func (d *DB) attachQuery(ctx context.Context, target any, kind watchKind, fn func(db.Snapshot)) (db.Registration, error) {
	q := toQuery(target)
	parentPath := q.Ref.Path()

	sub := d.client.Subscribe(ctx, d.changesChannel(parentPath))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	win := &queryWindow{values: make(map[string]map[string]any)}
	seed, err := d.QueryOnce(ctx, q)
	if err != nil {
		sub.Close()
		return nil, err
	}
	win.mu.Lock()
	for _, s := range seed {
		key := s.Ref.Key()
		win.order = append(win.order, key)
		win.values[key] = s.Value.(map[string]any)
	}
	win.mu.Unlock()
	if kind == kindAdded {
		for _, s := range seed {
			fn(s)
		}
	}

	regCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		ticks := rateTicks(regCtx, rate.NewLimiter(rate.Every(d.pollInterval), 1))
		for {
			select {
			case <-regCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				d.refreshWindow(regCtx, q, win, kind, fn)
			case _, ok := <-ticks:
				if !ok {
					return
				}
				d.refreshWindow(regCtx, q, win, kind, fn)
			}
		}
	}()

	return &registration{close: func() error { cancel(); return nil }}, nil
}

func (d *DB) refreshWindow(ctx context.Context, q db.Query, win *queryWindow, kind watchKind, fn func(db.Snapshot)) {
	current, err := d.QueryOnce(ctx, q)
	if err != nil {
		return
	}

	win.mu.Lock()
	newOrder := make([]string, 0, len(current))
	newValues := make(map[string]map[string]any, len(current))
	for _, s := range current {
		key := s.Ref.Key()
		newOrder = append(newOrder, key)
		newValues[key] = s.Value.(map[string]any)
	}
	oldSet := make(map[string]bool, len(win.order))
	for _, k := range win.order {
		oldSet[k] = true
	}
	newSet := make(map[string]bool, len(newOrder))
	for _, k := range newOrder {
		newSet[k] = true
	}
	oldOrder, oldValues := win.order, win.values
	win.order, win.values = newOrder, newValues
	win.mu.Unlock()

	switch kind {
	case kindRemoved:
		for _, k := range oldOrder {
			if !newSet[k] {
				fn(db.Snapshot{Ref: q.Ref.Child(k), Value: oldValues[k], Exists: false})
			}
		}
	case kindAdded:
		for _, k := range newOrder {
			if !oldSet[k] {
				fn(db.Snapshot{Ref: q.Ref.Child(k), Value: newValues[k], Exists: true})
			}
		}
	case kindChanged:
		for _, k := range newOrder {
			if oldSet[k] && !reflect.DeepEqual(oldValues[k], newValues[k]) {
				fn(db.Snapshot{Ref: q.Ref.Child(k), Value: newValues[k], Exists: true})
			}
		}
	}
}

// OnValueChanged watches ref's own value, combining Pub/Sub notification
// with the same poll fallback attachQuery uses.
func (d *DB) OnValueChanged(ctx context.Context, ref db.Ref, fn func(db.Snapshot)) (db.Registration, error) {
	sub := d.client.Subscribe(ctx, d.valueChannel(ref.Path()))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	emit := func() {
		raw, err := d.client.HGetAll(ctx, d.dataKey(ref.Path())).Result()
		if err != nil {
			return
		}
		if len(raw) == 0 {
			fn(db.Snapshot{Ref: ref, Exists: false})
			return
		}
		m, err := decodeHash(raw)
		if err != nil {
			return
		}
		fn(db.Snapshot{Ref: ref, Value: m, Exists: true})
	}

	regCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		ticks := rateTicks(regCtx, rate.NewLimiter(rate.Every(d.pollInterval), 1))
		for {
			select {
			case <-regCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			case _, ok := <-ticks:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	return &registration{close: func() error { cancel(); return nil }}, nil
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

// encodeHash flattens m into the field->JSON-string shape HSET expects. A
// nil field value is omitted rather than written, so decodeHash's "key
// absent" and record.go's "present but nil" are indistinguishable on
// read, matching the in-memory backend's convention.
func encodeHash(m map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.E(errors.Internal, fmt.Sprintf("encode field %q", k), err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// decodeHash is encodeHash's inverse. _state_changed round-trips through
// JSON as an RFC3339 string (time.Time's own MarshalJSON), so it gets
// parsed back into a time.Time here — every other field is left as
// whatever type encoding/json produced.
func decodeHash(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			return nil, errors.E(errors.Internal, fmt.Sprintf("decode field %q", k), err)
		}
		if k == "_state_changed" {
			if s, ok := val.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					val = t
				}
			}
		}
		out[k] = val
	}
	return out, nil
}
