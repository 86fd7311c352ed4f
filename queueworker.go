package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/internal/log"
)

// ProcessFunc is the user-supplied work function for one pipeline stage.
// It receives the claimed task's payload and three callbacks: progress
// reports incremental completion, resolve advances the task to its next
// state, and reject routes it back for retry or into the error state.
// A panic inside fn is treated as a call to reject with an error that
// describes the recovered value.
type ProcessFunc func(data map[string]any, progress ProgressFunc, resolve ResolveFunc, reject RejectFunc)

// ProgressFunc reports progress on the task currently being processed.
// It returns an error if progress is out of range, or if the calling
// invocation no longer owns the task (the reaper or another worker took
// it, or this worker moved on before the call arrived).
type ProgressFunc func(progress int) error

// ResolveFunc advances the claimed task past its in-progress state.
// newTask's fields are merged over the task's existing fields; a
// "_new_state" entry (removed before persistence) can redirect to an
// arbitrary state, force deletion, or fall back to the spec's
// FinishedState. A stale call (one that arrives after this worker has
// already moved on) is silently ignored, matching the no-op contract a
// late callback must have.
type ResolveFunc func(newTask map[string]any) error

// RejectFunc routes the claimed task back to StartState for another
// attempt, or to ErrorState once retries are exhausted. err's message is
// persisted in _error_details.error; when err has a Stack() string
// method, that stack is persisted in _error_details.error_stack unless
// the worker was constructed with suppressStack set to true.
type RejectFunc func(err error) error

// QueueWorker is a single worker's runtime against one tasks location: it
// claims eligible tasks, drives the user's ProcessFunc, and reaps tasks
// abandoned by crashed workers. All of a QueueWorker's internal state is
// confined to one goroutine (its run loop); every public method and every
// db.Database listener callback only ever mutates that state by enqueuing
// a closure onto the loop, so the invariants in the task-claiming logic
// never need their own lock.
type QueueWorker struct {
	database  db.Database
	tasksRef  db.Ref
	processID string
	sanitize  bool
	suppress  bool
	processFn ProcessFunc
	logger    *log.Logger

	serverOffset time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	// Everything below is only ever touched from inside the run loop.
	taskNumber      uint64
	busy            bool
	currentTaskRef  db.Ref
	spec            *Spec
	taskWorker      *TaskWorker
	newTaskReg      db.Registration
	inProgAddedReg  db.Registration
	inProgChgReg    db.Registration
	inProgRemReg    db.Registration
	ownerWatchReg   db.Registration
	expiryTimers    map[string]*time.Timer

	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error

	cfg      *queueWorkerConfig
	healthWG sync.WaitGroup
	hc       *healthchecker
	stats    workerStats
}

// NewQueueWorker constructs a QueueWorker over tasksRef using database as
// the backing store. processID identifies this worker process among
// others sharing the same tasksRef; sanitize and suppressStack mirror the
// constructor flags of the same name. Construction fails with one of the
// package's sentinel errors if any required argument is missing.
func NewQueueWorker(tasksRef db.Ref, database db.Database, processID string, sanitize, suppressStack bool, processFn ProcessFunc, opts ...Option) (*QueueWorker, error) {
	if tasksRef == nil || database == nil {
		return nil, ErrNoTasksRef
	}
	if processID == "" {
		return nil, ErrInvalidProcessID
	}
	if processFn == nil {
		return nil, ErrNoProcessFunc
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &QueueWorker{
		database:     database,
		tasksRef:     tasksRef,
		processID:    processID,
		sanitize:     sanitize,
		suppress:     suppressStack,
		processFn:    processFn,
		logger:       log.NewLogger(cfg.logger),
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		expiryTimers: make(map[string]*time.Timer),
		shutdownDone: make(chan struct{}),
		cfg:          cfg,
	}
	w.logger.SetLevel(toInternalLogLevel(cfg.logLevel))
	w.stats.sometimes.Interval = cfg.statsInterval

	if offset, err := database.ServerOffset(ctx); err != nil {
		w.logger.Warnf("queueworker: could not read server offset, assuming 0: %v", err)
	} else {
		w.serverOffset = offset
	}

	go w.run()
	if cfg.healthCheck != nil {
		w.hc = newHealthChecker(healthcheckerParams{
			logger:          w.logger,
			database:        database,
			ctx:             ctx,
			interval:        cfg.healthCheckInterval,
			healthcheckFunc: cfg.healthCheck,
		})
		w.hc.start(&w.healthWG)
	}
	if cfg.retention > 0 {
		go w.runJanitor()
	}
	return w, nil
}

func (w *QueueWorker) serverNow() time.Time {
	return time.Now().Add(w.serverOffset)
}

// enqueue appends fn to the run loop's work queue. Safe to call from any
// goroutine, including reentrantly from within a db.Database dispatch
// that is itself invoked synchronously from a closure the loop is
// currently running.
func (w *QueueWorker) enqueue(fn func()) {
	w.queueMu.Lock()
	w.queue = append(w.queue, fn)
	w.queueMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// sync enqueues fn and blocks until it has run on the loop, or until the
// worker's context is done. The run loop drains whatever is already queued
// before it exits on ctx.Done, but anything enqueued after that point (a
// janitor sweep timer firing just past shutdown, say) would otherwise never
// run, leaving sync's caller blocked forever; observing ctx.Done here keeps
// that caller from leaking.
func (w *QueueWorker) sync(fn func()) {
	done := make(chan struct{})
	w.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-w.ctx.Done():
	}
}

func (w *QueueWorker) run() {
	for {
		w.queueMu.Lock()
		if len(w.queue) == 0 {
			w.queueMu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				return
			}
		}
		fn := w.queue[0]
		w.queue = w.queue[1:]
		w.queueMu.Unlock()
		fn()
	}
}

func (w *QueueWorker) ownerToken(generation uint64) string {
	return fmt.Sprintf("%s:%d", w.processID, generation)
}

// committed reports whether a transaction result actually wrote or
// deleted a location, as opposed to aborting. A zero Snapshot (nil Ref)
// is memdb's and redisdb's shared convention for "aborted, no write".
func committed(snap db.Snapshot) bool { return snap.Ref != nil }

// IsValidTaskSpec reports whether spec describes a usable Spec.
func (w *QueueWorker) IsValidTaskSpec(spec any) bool { return IsValidTaskSpec(spec) }

// SetTaskSpec installs or replaces the worker's active spec. Passing nil
// (or a value that fails validation) tears down every listener and timer
// without returning an error, leaving the worker idle until a valid spec
// is set.
func (w *QueueWorker) SetTaskSpec(spec any) {
	s, ok := toSpec(spec)
	if !ok || !isValidSpec(s) {
		s = nil
	}
	w.sync(func() { w.setTaskSpecLocked(s) })
}

func (w *QueueWorker) setTaskSpecLocked(spec *Spec) {
	w.taskNumber++

	// The bump above invalidates the in-flight task's callbacks, so none
	// of them will ever settle it: release the claim here instead.
	if w.ownerWatchReg != nil {
		w.ownerWatchReg.Close()
		w.ownerWatchReg = nil
	}
	w.busy = false
	w.currentTaskRef = nil

	if w.newTaskReg != nil {
		w.newTaskReg.Close()
		w.newTaskReg = nil
	}

	hasTimeout := spec != nil && spec.HasTimeout()
	w.teardownReaperLocked()

	w.spec = spec
	if spec == nil {
		w.taskWorker = nil
		return
	}
	w.taskWorker = NewTaskWorker(w.ownerToken(w.taskNumber), spec, w.serverNow)

	tw := w.taskWorker
	reg, err := w.database.OnChildAdded(w.ctx, tw.GetNextFrom(w.tasksRef), func(snap db.Snapshot) {
		ref := snap.Ref
		w.enqueue(func() { w.tryToProcess(ref) })
	})
	if err != nil {
		w.logger.Errorf("queueworker: failed to listen for next task: %v", err)
		return
	}
	w.newTaskReg = reg

	if hasTimeout {
		w.setupReaperLocked(tw)
	}
}

// shutdownTeardownLocked stops accepting new work and tears down the
// reaper/listener machinery the same way setTaskSpecLocked(nil) does, but
// — unlike SetTaskSpec, which always bumps taskNumber regardless of
// validity, deliberately invalidating whatever is in flight and releasing
// its claim — it leaves an in-flight claim alone: while a task is busy,
// taskNumber, the busy flag and the owner watch stay as they are. Bumping
// taskNumber here would
// invalidate the in-flight resolve/reject/progress closures' captured
// generation, silently dropping whatever commit they were about to make
// instead of letting it land; settle() still bumps it once that task
// actually finishes.
func (w *QueueWorker) shutdownTeardownLocked() {
	if !w.busy {
		w.taskNumber++
	}
	if w.newTaskReg != nil {
		w.newTaskReg.Close()
		w.newTaskReg = nil
	}
	w.teardownReaperLocked()
	w.spec = nil
	w.taskWorker = nil
}

func (w *QueueWorker) teardownReaperLocked() {
	if w.inProgAddedReg != nil {
		w.inProgAddedReg.Close()
		w.inProgAddedReg = nil
	}
	if w.inProgChgReg != nil {
		w.inProgChgReg.Close()
		w.inProgChgReg = nil
	}
	if w.inProgRemReg != nil {
		w.inProgRemReg.Close()
		w.inProgRemReg = nil
	}
	for id, t := range w.expiryTimers {
		t.Stop()
		delete(w.expiryTimers, id)
	}
}

func (w *QueueWorker) setupReaperLocked(tw *TaskWorker) {
	query := tw.GetInProgressFrom(w.tasksRef)
	armed := func(snap db.Snapshot) {
		ref := snap.Ref
		m, ok := snap.Value.(map[string]any)
		if !ok {
			return
		}
		rec := decodeRecord(m)
		w.enqueue(func() { w.armExpiryTimer(ref, rec) })
	}

	addedReg, err := w.database.OnChildAdded(w.ctx, query, armed)
	if err != nil {
		w.logger.Errorf("queueworker: failed to listen for in-progress tasks: %v", err)
		return
	}
	w.inProgAddedReg = addedReg

	chgReg, err := w.database.OnChildChanged(w.ctx, query, armed)
	if err != nil {
		w.logger.Errorf("queueworker: failed to listen for in-progress changes: %v", err)
		return
	}
	w.inProgChgReg = chgReg

	remReg, err := w.database.OnChildRemoved(w.ctx, query, func(snap db.Snapshot) {
		id := snap.Ref.Key()
		w.enqueue(func() { w.cancelExpiryTimer(id) })
	})
	if err != nil {
		w.logger.Errorf("queueworker: failed to listen for in-progress removals: %v", err)
		return
	}
	w.inProgRemReg = remReg
}

// armExpiryTimer schedules (or reschedules) the reaper for ref so it
// fires max(0, timeout-(serverNow-stateChanged)) from now.
func (w *QueueWorker) armExpiryTimer(ref db.Ref, rec *Record) {
	if w.spec == nil || !w.spec.HasTimeout() {
		return
	}
	id := ref.Key()
	w.cancelExpiryTimer(id)

	delay := *w.spec.Timeout
	if !rec.StateChanged.IsZero() {
		delay = *w.spec.Timeout - w.serverNow().Sub(rec.StateChanged)
		if delay < 0 {
			delay = 0
		}
	}
	w.expiryTimers[id] = time.AfterFunc(delay, func() {
		w.enqueue(func() { w.fireReaper(ref) })
	})
}

func (w *QueueWorker) cancelExpiryTimer(id string) {
	if t, ok := w.expiryTimers[id]; ok {
		t.Stop()
		delete(w.expiryTimers, id)
	}
}

func (w *QueueWorker) fireReaper(ref db.Ref) {
	delete(w.expiryTimers, ref.Key())
	if w.spec == nil || !w.spec.HasTimeout() || w.taskWorker == nil {
		return
	}
	snap, err := w.database.Transaction(w.ctx, ref, w.taskWorker.ResetIfTimedOut())
	if err != nil {
		w.logger.Errorf("queueworker: reaper transaction failed for %s: %v", ref.Path(), err)
		return
	}
	if committed(snap) {
		w.stats.reaped.Add(1)
		w.stats.report(w.logger, w.processID)
	}
}

// tryToProcess attempts to claim candidateRef. Called only from the run
// loop, either from the next-task listener or after finishing a prior
// task.
func (w *QueueWorker) tryToProcess(candidateRef db.Ref) {
	if w.busy || w.spec == nil || w.taskWorker == nil {
		return
	}
	generation := w.taskNumber
	tw := w.taskWorker

	snap, err := w.database.Transaction(w.ctx, candidateRef, tw.ClaimFor(func() string {
		return w.ownerToken(generation)
	}))
	if err != nil {
		w.logger.Errorf("queueworker: claim transaction failed for %s: %v", candidateRef.Path(), err)
		return
	}
	if !committed(snap) || generation != w.taskNumber {
		return
	}
	m, ok := snap.Value.(map[string]any)
	if !ok {
		return
	}
	rec := decodeRecord(m)
	expectedOwner := w.ownerToken(generation)
	if rec.State == nil || *rec.State != w.spec.InProgressState || rec.Owner == nil || *rec.Owner != expectedOwner {
		// Quarantined as malformed, or claimed/changed out from under us
		// before this callback ran.
		return
	}

	w.stats.claimed.Add(1)
	w.stats.report(w.logger, w.processID)
	w.taskNumber++
	procGeneration := w.taskNumber
	w.busy = true
	w.currentTaskRef = candidateRef

	perTaskWorker := tw.CloneWithOwner(expectedOwner)

	reg, err := w.database.OnValueChanged(w.ctx, candidateRef, func(snap db.Snapshot) {
		w.enqueue(func() { w.onCurrentTaskChanged(procGeneration, expectedOwner, snap) })
	})
	if err != nil {
		w.logger.Errorf("queueworker: failed to watch claimed task %s: %v", candidateRef.Path(), err)
	}
	w.ownerWatchReg = reg

	w.wg.Add(1)
	go w.invokeProcessFunc(procGeneration, candidateRef, perTaskWorker, rec)
}

// onCurrentTaskChanged observes the claimed task's own value changing. If
// it no longer looks like our claim (the reaper reset it, or another
// worker's transaction overwrote it), the claim is invalidated: any
// resolve/reject/progress call already in flight from the still-running
// ProcessFunc becomes a no-op once it checks its captured generation.
//
// expectedOwner is the owner token captured at claim time (tryToProcess's
// generation, before it bumped taskNumber to procGeneration) and must be
// passed in rather than recomputed from generation: ownerToken(generation)
// would derive a different token than the one actually written to the
// task record, since the record's _owner is stamped with the pre-increment
// generation. Recomputing it here previously meant stillOurs was false for
// any in-place update that kept the task owned and in-progress — including
// the worker's own UpdateProgressWith commit — which settled the claim out
// from under a still-running ProcessFunc the moment it reported progress.
func (w *QueueWorker) onCurrentTaskChanged(generation uint64, expectedOwner string, snap db.Snapshot) {
	if generation != w.taskNumber {
		return
	}
	m, ok := snap.Value.(map[string]any)
	if !ok {
		w.settle(generation)
		return
	}
	rec := decodeRecord(m)
	stillOurs := rec.Owner != nil && *rec.Owner == expectedOwner &&
		rec.State != nil && w.spec != nil && *rec.State == w.spec.InProgressState
	if !stillOurs {
		w.settle(generation)
	}
}

// settle releases the busy flag and bumps taskNumber, invalidating every
// callback captured at generation, then looks for the next candidate
// task directly rather than waiting on a child_added event that may have
// already been dropped while this worker was busy.
func (w *QueueWorker) settle(generation uint64) {
	if generation != w.taskNumber {
		return
	}
	if w.ownerWatchReg != nil {
		w.ownerWatchReg.Close()
		w.ownerWatchReg = nil
	}
	w.busy = false
	w.currentTaskRef = nil
	w.taskNumber++

	if w.spec == nil || w.taskWorker == nil {
		return
	}
	tw := w.taskWorker
	snaps, err := w.database.QueryOnce(w.ctx, tw.GetNextFrom(w.tasksRef))
	if err != nil {
		w.logger.Errorf("queueworker: failed to poll for next task: %v", err)
		return
	}
	if len(snaps) > 0 {
		ref := snaps[0].Ref
		w.enqueue(func() { w.tryToProcess(ref) })
	}
}

// invokeProcessFunc runs the user's ProcessFunc in its own goroutine,
// since it may block for an arbitrary duration, and builds the
// progress/resolve/reject closures it receives.
func (w *QueueWorker) invokeProcessFunc(generation uint64, taskRef db.Ref, tw *TaskWorker, rec *Record) {
	defer w.wg.Done()

	data := w.buildPayload(tw, rec, taskRef.Key())

	progress := func(p int) error {
		if p < 0 || p > 100 {
			return errors.New(errInvalidProgress)
		}
		result := make(chan error, 1)
		w.enqueue(func() {
			if generation != w.taskNumber {
				result <- errors.New(errProgressNoTask)
				return
			}
			snap, err := w.database.Transaction(w.ctx, taskRef, tw.UpdateProgressWith(p))
			switch {
			case err != nil:
				result <- err
			case !committed(snap):
				result <- errors.New(errProgressNotOwned)
			default:
				result <- nil
			}
		})
		return <-result
	}

	resolve := func(newTask map[string]any) error {
		result := make(chan error, 1)
		w.enqueue(func() {
			if generation != w.taskNumber {
				result <- nil
				return
			}
			var payload any
			if newTask != nil {
				payload = newTask
			}
			_, err := w.database.Transaction(w.ctx, taskRef, tw.ResolveWith(payload))
			if err == nil {
				w.stats.resolved.Add(1)
				w.stats.report(w.logger, w.processID)
			}
			w.settle(generation)
			result <- err
		})
		return <-result
	}

	reject := func(rejectErr error) error {
		msg, stack := w.describeReject(rejectErr)
		result := make(chan error, 1)
		w.enqueue(func() {
			if generation != w.taskNumber {
				result <- nil
				return
			}
			_, err := w.database.Transaction(w.ctx, taskRef, tw.RejectWith(msg, stack))
			if err == nil {
				w.stats.rejected.Add(1)
				w.stats.report(w.logger, w.processID)
			}
			w.settle(generation)
			result <- err
		})
		return <-result
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in processing function: %v", r)
			_ = reject(err)
		}
	}()

	w.processFn(data, progress, resolve, reject)
}

func (w *QueueWorker) buildPayload(tw *TaskWorker, rec *Record, taskID string) map[string]any {
	if w.sanitize {
		return tw.Sanitize(rec)
	}
	full := rec.encode(false)
	full["_id"] = taskID
	return full
}

func (w *QueueWorker) describeReject(err error) (msg string, stack string) {
	if err == nil {
		return "", ""
	}
	msg = err.Error()
	if w.suppress {
		return msg, ""
	}
	type stackTracer interface{ Stack() string }
	if st, ok := err.(stackTracer); ok {
		return msg, st.Stack()
	}
	return msg, ""
}

// Shutdown stops accepting new tasks and awaits any in-flight ProcessFunc
// invocation before returning. It is idempotent: concurrent and repeated
// calls all observe the same outcome.
func (w *QueueWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() {
		go func() {
			w.sync(func() { w.shutdownTeardownLocked() })
			w.wg.Wait()
			if w.hc != nil {
				w.hc.shutdown()
			}
			w.cancel()
			w.healthWG.Wait()
			close(w.shutdownDone)
		}()
	})
	select {
	case <-w.shutdownDone:
		return w.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
