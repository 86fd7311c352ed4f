package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/db/memdb"
	"github.com/stretchr/testify/assert"
)

func newTestWorker(t *testing.T, database db.Database, tasksRef db.Ref, processFn ProcessFunc, opts ...Option) *QueueWorker {
	t.Helper()
	w, err := NewQueueWorker(tasksRef, database, "test-proc", true, false, processFn, opts...)
	if err != nil {
		t.Fatalf("NewQueueWorker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return w
}

func mustSnapshot(t *testing.T, database db.Database, ref db.Ref) map[string]any {
	t.Helper()
	snaps, err := database.QueryOnce(context.Background(), db.Query{Ref: ref.Parent()})
	if err != nil {
		t.Fatalf("QueryOnce: %v", err)
	}
	for _, s := range snaps {
		if s.Ref.Key() == ref.Key() {
			m, ok := s.Value.(map[string]any)
			if !ok {
				t.Fatalf("value at %s is not a map: %#v", ref.Path(), s.Value)
			}
			return m
		}
	}
	t.Fatalf("no value found at %s", ref.Path())
	return nil
}

func TestQueueWorkerClaimsAndResolves(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	done := make(chan map[string]any, 1)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		err := resolve(map[string]any{"output": "ok"})
		if err != nil {
			done <- map[string]any{"err": err}
			return
		}
		done <- data
	}

	w := newTestWorker(t, database, tasksRef, processFn)
	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", FinishedState: strp("finished")})

	ref, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued", "user_id": 9})
	assert.NoError(err)

	select {
	case data := <-done:
		assert.Equal(9, data["user_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task to be processed")
	}

	final := mustSnapshot(t, database, ref)
	assert.Equal("finished", final["_state"])
	assert.Nil(final["_owner"])
}

func TestQueueWorkerRejectRoutesBackThenToError(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	attempt := make(chan int, 8)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		n, _ := data["attempt"].(int)
		attempt <- n
		_ = reject(errors.New("always fails"))
	}

	retries := 1
	w := newTestWorker(t, database, tasksRef, processFn)

	ref, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued", "attempt": 1})
	assert.NoError(err)

	// The retry claim follows the reject immediately, so "queued" is held
	// only for an instant; record every state the task passes through
	// instead of polling for it. The watcher is attached before the spec
	// is set, so the first recorded state is the first claim.
	var statesMu sync.Mutex
	var states []string
	reg, err := database.OnValueChanged(ctx, ref, func(snap db.Snapshot) {
		m, _ := snap.Value.(map[string]any)
		state, _ := m["_state"].(string)
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})
	assert.NoError(err)
	defer reg.Close()

	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", Retries: &retries})

	// First attempt, rejected, routed back to "queued" for one retry.
	select {
	case <-attempt:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first attempt")
	}

	assert.Eventually(func() bool {
		statesMu.Lock()
		defer statesMu.Unlock()
		return len(states) >= 2 && states[0] == "in_progress" && states[1] == "queued"
	}, 2*time.Second, 10*time.Millisecond)

	// Second (retried) claim fires automatically since the worker's
	// listener is still watching "queued"; wait for the second attempt
	// and its resulting error-state landing.
	select {
	case <-attempt:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second attempt")
	}

	assert.Eventually(func() bool {
		rec := mustSnapshot(t, database, ref)
		state, _ := rec["_state"].(string)
		return state == DefaultErrorState
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueWorkerReapsAbandonedTask(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	// A process function that claims but never resolves, simulating a
	// crashed worker that leaves the task in progress forever.
	hang := make(chan struct{})
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		<-hang
	}

	timeout := 50 * time.Millisecond
	w := newTestWorker(t, database, tasksRef, processFn)
	defer close(hang)

	ref, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued"})
	assert.NoError(err)

	// Once reset, the task is eligible again and the worker re-claims it
	// at once, so the reset value is recorded as it is written rather
	// than polled for. The watcher is attached after the push, so only
	// writes made by the worker are recorded.
	var seenMu sync.Mutex
	var seen []map[string]any
	reg, err := database.OnValueChanged(ctx, ref, func(snap db.Snapshot) {
		m, _ := snap.Value.(map[string]any)
		seenMu.Lock()
		seen = append(seen, m)
		seenMu.Unlock()
	})
	assert.NoError(err)
	defer reg.Close()

	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", Timeout: &timeout})

	assert.Eventually(func() bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		for _, rec := range seen {
			state, _ := rec["_state"].(string)
			owner := rec["_owner"]
			if state == "queued" && owner == nil {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "reaper should reset the abandoned claim back to queued")
}

func TestQueueWorkerProgressThenResolveBothSucceed(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	done := make(chan error, 1)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		// Reporting progress while still processing must not invalidate
		// the claim: the worker's own OnValueChanged watcher fires on
		// this same progress commit, and must recognize it as its own
		// write rather than settling the claim out from under the
		// resolve call that follows.
		if err := progress(50); err != nil {
			done <- err
			return
		}
		done <- resolve(map[string]any{"output": "ok"})
	}

	w := newTestWorker(t, database, tasksRef, processFn)
	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", FinishedState: strp("finished")})

	ref, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued"})
	assert.NoError(err)

	select {
	case err := <-done:
		assert.NoError(err, "resolve after progress must still succeed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress-then-resolve")
	}

	assert.Eventually(func() bool {
		rec := mustSnapshot(t, database, ref)
		state, _ := rec["_state"].(string)
		return state == "finished"
	}, 2*time.Second, 10*time.Millisecond, "task must actually resolve to finished, not get stuck in_progress")
}

func TestQueueWorkerProgressRejectedOnceSettled(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	resultCh := make(chan error, 1)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		_ = resolve(nil)
		// The claim has already settled by the time resolve() returns;
		// a progress call afterward must be rejected rather than silently
		// succeed against a task this invocation no longer owns.
		resultCh <- progress(50)
	}

	w := newTestWorker(t, database, tasksRef, processFn)
	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", FinishedState: strp("finished")})

	_, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued"})
	assert.NoError(err)

	select {
	case err := <-resultCh:
		assert.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress result")
	}
}

func TestQueueWorkerSanitizeStripsMetadataFromPayload(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	seen := make(chan map[string]any, 1)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		seen <- data
		_ = resolve(nil)
	}

	w, err := NewQueueWorker(tasksRef, database, "sanitize-proc", true, false, processFn)
	assert.NoError(err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress"})

	_, err = database.Push(ctx, tasksRef, map[string]any{"_state": "queued", "user_id": 3})
	assert.NoError(err)

	select {
	case data := <-seen:
		_, hasState := data["_state"]
		assert.False(hasState, "sanitize=true should strip underscore-prefixed fields")
		assert.Equal(3, data["user_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestQueueWorkerShutdownLetsInFlightTaskResolve(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	ctx := context.Background()

	claimed := make(chan struct{})
	resolveErr := make(chan error, 1)
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		close(claimed)
		time.Sleep(500 * time.Millisecond)
		resolveErr <- resolve(map[string]any{"output": "ok"})
	}

	w, err := NewQueueWorker(tasksRef, database, "shutdown-inflight-proc", true, false, processFn)
	assert.NoError(err)
	w.SetTaskSpec(&Spec{StartState: strp("queued"), InProgressState: "in_progress", FinishedState: strp("finished")})

	ref, err := database.Push(ctx, tasksRef, map[string]any{"_state": "queued"})
	assert.NoError(err)

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for claim")
	}

	// Shutdown is called while the ProcessFunc is still sleeping; it must
	// wait for the in-flight resolve to actually commit rather than
	// invalidating its generation out from under it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(w.Shutdown(shutdownCtx))

	select {
	case err := <-resolveErr:
		assert.NoError(err, "in-flight resolve must still commit during graceful shutdown")
	case <-time.After(time.Second):
		t.Fatal("resolve result never arrived despite Shutdown returning")
	}

	final := mustSnapshot(t, database, ref)
	assert.Equal("finished", final["_state"], "in-flight task must finish rather than being stranded in_progress")
}

func TestQueueWorkerShutdownIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")

	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		_ = resolve(nil)
	}
	w, err := NewQueueWorker(tasksRef, database, "shutdown-proc", true, false, processFn)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- w.Shutdown(ctx) }()
	go func() { errs <- w.Shutdown(ctx) }()

	assert.NoError(<-errs)
	assert.NoError(<-errs)
}
