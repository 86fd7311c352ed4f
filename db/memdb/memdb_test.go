package memdb

import (
	"context"
	"testing"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/internal/timeutil"
	"github.com/stretchr/testify/assert"
)

func TestPushAssignsMonotonicKeys(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks")

	r1, err := d.Push(ctx, ref, map[string]any{"n": 1})
	assert.NoError(err)
	r2, err := d.Push(ctx, ref, map[string]any{"n": 2})
	assert.NoError(err)

	assert.Less(r1.Key(), r2.Key(), "push keys must sort in insertion order")
}

func TestTransactionCommitAbortDelete(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks").Child("t1")

	snap, err := d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		assert.Nil(current)
		return map[string]any{"x": 1}, nil
	})
	assert.NoError(err)
	assert.True(snap.Exists)
	assert.Equal(1, snap.Value.(map[string]any)["x"])

	snap, err = d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		assert.Equal(1, current.(map[string]any)["x"])
		return nil, db.ErrAbort
	})
	assert.NoError(err)
	assert.False(snap.Exists)
	assert.Nil(snap.Ref, "an aborted transaction returns a zero Snapshot")

	snap, err = d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		return nil, db.ErrDelete
	})
	assert.NoError(err)
	assert.False(snap.Exists)

	snap, err = d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		assert.Nil(current, "deleted location reads back as absent")
		return nil, nil
	})
	assert.NoError(err)
	assert.False(snap.Exists, "returning a nil map with no error also deletes")
}

func TestTransactionResolvesServerTimestamp(t *testing.T) {
	assert := assert.New(t)
	clock := timeutil.NewSimulatedClock(time.Unix(5000, 0))
	d := New().WithClock(clock)
	ctx := context.Background()
	ref := db.NewPathRef("tasks").Child("t1")

	snap, err := d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		return map[string]any{"_state_changed": db.ServerTimestamp{}}, nil
	})
	assert.NoError(err)
	assert.Equal(time.Unix(5000, 0), snap.Value.(map[string]any)["_state_changed"])
}

func TestOnChildAddedReplaysExistingAndFiresOnWrite(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks")

	_, err := d.Push(ctx, ref, map[string]any{"_state": "queued", "n": 1})
	assert.NoError(err)

	var seen []int
	reg, err := d.OnChildAdded(ctx, db.Query{Ref: ref, Field: "_state", HasEqualTo: true, EqualTo: "queued"}, func(snap db.Snapshot) {
		n, _ := snap.Value.(map[string]any)["n"].(int)
		seen = append(seen, n)
	})
	assert.NoError(err)
	defer reg.Close()

	assert.Equal([]int{1}, seen, "a freshly attached listener replays pre-existing matches")

	_, err = d.Push(ctx, ref, map[string]any{"_state": "queued", "n": 2})
	assert.NoError(err)
	assert.Equal([]int{1, 2}, seen)

	// A push that doesn't match the filter must not fire.
	_, err = d.Push(ctx, ref, map[string]any{"_state": "done", "n": 99})
	assert.NoError(err)
	assert.Equal([]int{1, 2}, seen)
}

func TestOnChildChangedAndRemoved(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks")

	child, err := d.Push(ctx, ref, map[string]any{"_state": "in_progress", "n": 1})
	assert.NoError(err)

	var changed, removed int
	chgReg, err := d.OnChildChanged(ctx, db.Query{Ref: ref, Field: "_state", HasEqualTo: true, EqualTo: "in_progress"}, func(snap db.Snapshot) {
		changed++
	})
	assert.NoError(err)
	defer chgReg.Close()

	remReg, err := d.OnChildRemoved(ctx, db.Query{Ref: ref, Field: "_state", HasEqualTo: true, EqualTo: "in_progress"}, func(snap db.Snapshot) {
		removed++
	})
	assert.NoError(err)
	defer remReg.Close()

	_, err = d.Transaction(ctx, child, func(current any) (map[string]any, error) {
		m := cloneMap(current.(map[string]any))
		m["n"] = 2
		return m, nil
	})
	assert.NoError(err)
	assert.Equal(1, changed)
	assert.Equal(0, removed)

	_, err = d.Transaction(ctx, child, func(current any) (map[string]any, error) {
		m := cloneMap(current.(map[string]any))
		m["_state"] = "done"
		return m, nil
	})
	assert.NoError(err)
	assert.Equal(1, removed, "transitioning out of the filtered state fires a removed event")
}

func TestOnValueChanged(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks").Child("t1")

	var last db.Snapshot
	reg, err := d.OnValueChanged(ctx, ref, func(snap db.Snapshot) { last = snap })
	assert.NoError(err)
	defer reg.Close()

	_, err = d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		return map[string]any{"x": 1}, nil
	})
	assert.NoError(err)
	assert.True(last.Exists)
	assert.Equal(1, last.Value.(map[string]any)["x"])

	_, err = d.Transaction(ctx, ref, func(current any) (map[string]any, error) {
		return nil, db.ErrDelete
	})
	assert.NoError(err)
	assert.False(last.Exists)
}

func TestQueryOnceRespectsLimitAndOrder(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks")

	for i := 0; i < 5; i++ {
		_, err := d.Push(ctx, ref, map[string]any{"_state": "queued", "n": i})
		assert.NoError(err)
	}

	snaps, err := d.QueryOnce(ctx, db.Query{Ref: ref, Field: "_state", HasEqualTo: true, EqualTo: "queued", Limit: 2})
	assert.NoError(err)
	assert.Len(snaps, 2)
	assert.Equal(0, snaps[0].Value.(map[string]any)["n"])
	assert.Equal(1, snaps[1].Value.(map[string]any)["n"])
}

func TestQueryNilEqualToMatchesAbsentField(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ctx := context.Background()
	ref := db.NewPathRef("tasks")

	_, err := d.Push(ctx, ref, map[string]any{"n": 1})
	assert.NoError(err)
	_, err = d.Push(ctx, ref, map[string]any{"_state": "queued", "n": 2})
	assert.NoError(err)

	snaps, err := d.QueryOnce(ctx, db.Query{Ref: ref, Field: "_state", HasEqualTo: true})
	assert.NoError(err)
	assert.Len(snaps, 1)
	assert.Equal(1, snaps[0].Value.(map[string]any)["n"])
}

func TestSetRawExercisesMalformedEntries(t *testing.T) {
	assert := assert.New(t)
	d := New()
	ref := db.NewPathRef("tasks").Child("t1")

	d.SetRaw(ref, "not an object")

	snaps, err := d.QueryOnce(context.Background(), db.Query{Ref: db.NewPathRef("tasks")})
	assert.NoError(err)
	assert.Empty(snaps, "a malformed entry never satisfies a filtered or unfiltered child query")
}
