package memdb

import (
	"fmt"
	"sort"

	"github.com/relaydb/taskqueue/db"
)

type watchKind int

const (
	kindAdded watchKind = iota
	kindChanged
	kindRemoved
)

type callbackEntry struct {
	id   uint64
	kind watchKind
	fn   func(db.Snapshot)
}

type matchEntry struct {
	rank  uint64
	value map[string]any
}

// queryView tracks the live result window for one canonical (parent,
// field, equalTo, limit) query shared by every OnChild* registration
// against an equivalent db.Query, so all attached callbacks observe a
// single consistent window instead of racing independent diffs.
type queryView struct {
	db         *DB
	parentPath string
	field      string
	hasFilter  bool
	hasEqualTo bool
	equalTo    any
	limit      int

	rankSeq     uint64
	allMatches  map[string]*matchEntry
	windowOrder []string
	windowSet   map[string]bool
	lastValue   map[string]map[string]any
	callbacks   []*callbackEntry
}

func newQueryView(q db.Query, d *DB) *queryView {
	return &queryView{
		db:         d,
		parentPath: q.Ref.Path(),
		field:      q.Field,
		hasFilter:  q.Field != "",
		hasEqualTo: q.HasEqualTo,
		equalTo:    q.EqualTo,
		limit:      q.Limit,
		allMatches: make(map[string]*matchEntry),
		windowSet:  make(map[string]bool),
		lastValue:  make(map[string]map[string]any),
	}
}

func toQuery(target any) db.Query {
	switch t := target.(type) {
	case db.Query:
		return t
	case db.Ref:
		return db.Query{Ref: t}
	default:
		panic(fmt.Sprintf("memdb: unsupported query target %T", target))
	}
}

func queryKey(q db.Query) string {
	return fmt.Sprintf("%s|%s|%v|%v|%d", q.Ref.Path(), q.Field, q.HasEqualTo, q.EqualTo, q.Limit)
}

func (v *queryView) matches(value map[string]any) bool {
	if !v.hasFilter {
		return true
	}
	fv, present := value[v.field]
	if !v.hasEqualTo {
		return true
	}
	if v.equalTo == nil {
		return !present || fv == nil
	}
	if !present {
		return false
	}
	return fv == v.equalTo
}

func (v *queryView) addCallback(id uint64, kind watchKind, fn func(db.Snapshot)) {
	v.callbacks = append(v.callbacks, &callbackEntry{id: id, kind: kind, fn: fn})
}

// replayWindow returns dispatch closures replaying the current window as
// "added" events for fn alone, used to prime a newly attached kindAdded
// callback with tasks that already matched before it was registered.
func (v *queryView) replayWindow(fn func(db.Snapshot)) []func() {
	var pending []func()
	for _, k := range v.windowOrder {
		ref := refFromPath(v.parentPath).Child(k)
		val := v.lastValue[k]
		pending = append(pending, func() {
			fn(db.Snapshot{Ref: ref, Value: cloneMap(val), Exists: true})
		})
	}
	return pending
}

func (v *queryView) removeCallback(id uint64, kind watchKind) {
	out := v.callbacks[:0]
	for _, cb := range v.callbacks {
		if cb.id == id && cb.kind == kind {
			continue
		}
		out = append(out, cb)
	}
	v.callbacks = out
}

func (v *queryView) empty() bool { return len(v.callbacks) == 0 }

// seed primes the view with a pre-existing match, in ascending insertion
// order, without dispatching any callbacks (there are none yet).
func (v *queryView) seed(ref db.Ref, value map[string]any) {
	v.rankSeq++
	key := ref.Key()
	v.allMatches[key] = &matchEntry{rank: v.rankSeq, value: cloneMap(value)}
}

// finalizeSeed computes the initial window from everything seed added, so
// a freshly attached listener (or a one-shot QueryOnce read) observes a
// consistent windowOrder/lastValue without a pending write triggering it.
func (v *queryView) finalizeSeed() {
	v.windowOrder = v.recomputeWindow()
	v.windowSet = make(map[string]bool, len(v.windowOrder))
	for _, k := range v.windowOrder {
		v.windowSet[k] = true
		v.lastValue[k] = v.allMatches[k].value
	}
}

func (v *queryView) recomputeWindow() []string {
	keys := make([]string, 0, len(v.allMatches))
	for k := range v.allMatches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return v.allMatches[keys[i]].rank < v.allMatches[keys[j]].rank })
	if v.limit > 0 && len(keys) > v.limit {
		keys = keys[:v.limit]
	}
	return keys
}

// observe updates the view in response to a single Ref's write/delete and
// returns the dispatch closures to invoke for this query's callbacks.
func (v *queryView) observe(snap db.Snapshot, existedBefore bool) []func() {
	key := snap.Ref.Key()
	_, wasMatch := v.allMatches[key]
	m, isMap := snap.Value.(map[string]any)
	matchesNow := snap.Exists && isMap && v.matches(m)

	valueChanged := false
	if matchesNow {
		if wasMatch {
			valueChanged = true
		} else {
			v.rankSeq++
			v.allMatches[key] = &matchEntry{rank: v.rankSeq}
		}
		v.allMatches[key].value = cloneMap(m)
	} else if wasMatch {
		delete(v.allMatches, key)
	}

	newWindow := v.recomputeWindow()
	newSet := make(map[string]bool, len(newWindow))
	for _, k := range newWindow {
		newSet[k] = true
	}

	var pending []func()

	for _, k := range v.windowOrder {
		if newSet[k] {
			continue
		}
		ref := refFromPath(v.parentPath).Child(k)
		val := v.lastValue[k]
		for _, cb := range v.callbacks {
			if cb.kind != kindRemoved {
				continue
			}
			cb := cb
			pending = append(pending, func() {
				cb.fn(db.Snapshot{Ref: ref, Value: cloneMap(val), Exists: false})
			})
		}
		delete(v.lastValue, k)
	}

	for _, k := range newWindow {
		ref := refFromPath(v.parentPath).Child(k)
		val := v.allMatches[k].value
		if !v.windowSet[k] {
			for _, cb := range v.callbacks {
				if cb.kind != kindAdded {
					continue
				}
				cb := cb
				pending = append(pending, func() {
					cb.fn(db.Snapshot{Ref: ref, Value: cloneMap(val), Exists: true})
				})
			}
		} else if k == key && valueChanged {
			for _, cb := range v.callbacks {
				if cb.kind != kindChanged {
					continue
				}
				cb := cb
				pending = append(pending, func() {
					cb.fn(db.Snapshot{Ref: ref, Value: cloneMap(val), Exists: true})
				})
			}
		}
		v.lastValue[k] = val
	}

	v.windowOrder = newWindow
	v.windowSet = newSet
	return pending
}

func refFromPath(path string) db.Ref {
	return db.NewPathRef(path)
}
