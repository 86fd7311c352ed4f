package taskqueue

import (
	"testing"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/db/memdb"
	"github.com/stretchr/testify/assert"
)

func newIdleWorker(t *testing.T) *QueueWorker {
	t.Helper()
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	processFn := func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc) {
		_ = resolve(nil)
	}
	w, err := NewQueueWorker(tasksRef, database, "sv-proc", true, false, processFn)
	if err != nil {
		t.Fatalf("NewQueueWorker: %v", err)
	}
	return w
}

func TestSupervisorStartStopShutdown(t *testing.T) {
	assert := assert.New(t)

	sv := NewSupervisor(SupervisorConfig{ShutdownTimeout: time.Second})
	sv.Manage(newIdleWorker(t))
	sv.Manage(newIdleWorker(t))

	assert.NoError(sv.Start())
	assert.Error(sv.Start(), "starting an already-active supervisor is an error")

	sv.Stop()
	assert.ErrorContains(sv.Start(), "stopped state")

	sv.Shutdown()
	// Shutdown is idempotent.
	sv.Shutdown()
}

func TestSupervisorStartAfterCloseFails(t *testing.T) {
	assert := assert.New(t)

	sv := NewSupervisor(SupervisorConfig{ShutdownTimeout: time.Second})
	sv.Manage(newIdleWorker(t))

	assert.NoError(sv.Start())
	sv.Shutdown()

	assert.Equal(ErrSupervisorClosed, sv.Start())
}

func TestSupervisorStopBeforeStartIsANoOp(t *testing.T) {
	sv := NewSupervisor(SupervisorConfig{ShutdownTimeout: time.Second})
	sv.Manage(newIdleWorker(t))

	// Stop on a never-started supervisor does nothing and must not panic.
	sv.Stop()
	sv.Shutdown()
}

func TestSupervisorStateString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("new", svStateNew.String())
	assert.Equal("active", svStateActive.String())
	assert.Equal("stopped", svStateStopped.String())
	assert.Equal("closed", svStateClosed.String())
	assert.Equal("unknown status", supervisorStateValue(99).String())
}
