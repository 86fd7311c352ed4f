package taskqueue

import (
	"time"

	"github.com/relaydb/taskqueue/db"
)

// TaskWorker is the set of pure transaction functions that move a task
// between states. Every method returns a db.TxnFunc meant to be handed
// straight to db.Database.Transaction; none of them perform I/O
// themselves, so the backend is free to retry the reducer on contention
// without TaskWorker ever observing a stale write.
type TaskWorker struct {
	owner string
	spec  *Spec
	// now returns the database's notion of "now" (local clock + cached
	// server offset), used only by ResetIfTimedOut's timeout comparison.
	// Every other timestamp this type writes is the db.ServerTimestamp
	// sentinel, resolved by the backend itself at commit.
	now func() time.Time
}

// NewTaskWorker returns a TaskWorker bound to owner and spec. now is
// normally QueueWorker's cached serverNow() closure; tests may supply a
// fixed or simulated clock.
func NewTaskWorker(owner string, spec *Spec, now func() time.Time) *TaskWorker {
	return &TaskWorker{owner: owner, spec: spec, now: now}
}

// CloneWithOwner returns a TaskWorker bound to a new owner token but the
// same spec and clock, used once a task is claimed so its per-task
// resolve/reject/progress transactions carry the owner captured at claim
// time even if the worker moves on to a different candidate afterward.
func (tw *TaskWorker) CloneWithOwner(owner string) *TaskWorker {
	return &TaskWorker{owner: owner, spec: tw.spec, now: tw.now}
}

func (tw *TaskWorker) HasTimeout() bool { return tw.spec.HasTimeout() }

// Sanitize strips underscore-prefixed metadata from task, producing the
// payload a processing function sees when the sanitize option is set.
func (tw *TaskWorker) Sanitize(task *Record) map[string]any { return Sanitize(task) }

// IsInErrorState reports whether r sits in this spec's error state.
func (tw *TaskWorker) IsInErrorState(r *Record) bool {
	return r != nil && r.State != nil && *r.State == tw.spec.errorState()
}

// GetNextFrom returns the query selecting the single earliest-inserted
// task eligible to be claimed: the one whose _state equals spec.StartState
// (or is absent, when StartState is nil).
func (tw *TaskWorker) GetNextFrom(ref db.Ref) db.Query {
	q := db.Query{Ref: ref, Field: "_state", HasEqualTo: true, Limit: 1}
	if tw.spec.StartState != nil {
		q.EqualTo = *tw.spec.StartState
	}
	return q
}

// GetInProgressFrom returns the query over every task currently in this
// spec's in-progress state, used to arm and track reaper timers.
func (tw *TaskWorker) GetInProgressFrom(ref db.Ref) db.Query {
	return db.Query{Ref: ref, Field: "_state", HasEqualTo: true, EqualTo: tw.spec.InProgressState}
}

// Reset routes an in-progress task this worker owns back to StartState,
// clearing ownership and progress. Any other observed state aborts.
func (tw *TaskWorker) Reset() db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed || !tw.ownsInProgress(task) {
			return nil, db.ErrAbort
		}
		return tw.resetRecord(task), nil
	}
}

// ResetIfTimedOut resets any in-progress task (regardless of owner) whose
// _state_changed is at least spec.Timeout in the past. Used by the
// reaper, which must be able to reclaim tasks abandoned by a dead worker
// it never itself claimed.
func (tw *TaskWorker) ResetIfTimedOut() db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed {
			return nil, db.ErrAbort
		}
		if task.State == nil || *task.State != tw.spec.InProgressState {
			return nil, db.ErrAbort
		}
		if tw.spec.Timeout == nil {
			return nil, db.ErrAbort
		}
		if tw.now().Sub(task.StateChanged) < *tw.spec.Timeout {
			return nil, db.ErrAbort
		}
		return tw.resetRecord(task), nil
	}
}

// resetRecord builds the shared Reset/ResetIfTimedOut result: routed back
// to StartState, ownership and progress cleared, errors cleared.
func (tw *TaskWorker) resetRecord(task *Record) map[string]any {
	next := task.clone()
	next.State = cloneStrPtr(tw.spec.StartState)
	next.Owner = nil
	next.Progress = nil
	next.ErrorDetails = nil
	return next.encode(true)
}

func (tw *TaskWorker) ownsInProgress(task *Record) bool {
	if task == nil || task.Owner == nil || *task.Owner != tw.owner {
		return false
	}
	return task.State != nil && *task.State == tw.spec.InProgressState
}

// ClaimFor attempts to move an eligible task into the in-progress state
// under getOwner()'s ownership. A malformed (non-object) task is
// quarantined directly to the error state instead of being retried; a
// task whose state no longer matches StartState aborts, since some other
// worker or event already moved it on.
func (tw *TaskWorker) ClaimFor(getOwner func() string) db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed {
			return map[string]any{
				"_state":         tw.spec.errorState(),
				"_state_changed": db.ServerTimestamp{},
				"_error_details": map[string]any{
					"error":         "Task was malformed",
					"original_task": current,
				},
			}, nil
		}
		if !tw.matchesStart(task) {
			return nil, db.ErrAbort
		}
		next := task.clone()
		next.State = strPtr(tw.spec.InProgressState)
		next.Owner = strPtr(getOwner())
		next.Progress = intPtr(0)
		return next.encode(true), nil
	}
}

func (tw *TaskWorker) matchesStart(task *Record) bool {
	if tw.spec.StartState == nil {
		return task.State == nil
	}
	return task.State != nil && *task.State == *tw.spec.StartState
}

// resolvePayload is the decoded shape of a resolve() call's newTask
// argument: an arbitrary map of fields to merge into the task, plus the
// optional _new_state directive.
type resolvePayload struct {
	fields   map[string]any
	newState *string // nil means "unset" (fall back to FinishedState)
	hasFalse bool     // _new_state === false
	hasNull  bool     // _new_state === null
}

func decodeResolvePayload(newTask any) resolvePayload {
	m, ok := newTask.(map[string]any)
	if !ok {
		m = map[string]any{}
	} else {
		clone := make(map[string]any, len(m))
		for k, v := range m {
			clone[k] = v
		}
		m = clone
	}
	p := resolvePayload{fields: m}
	raw, present := m["_new_state"]
	delete(m, "_new_state")
	if !present {
		return p
	}
	switch v := raw.(type) {
	case string:
		p.newState = &v
	case bool:
		if !v {
			p.hasFalse = true
		}
	case nil:
		p.hasNull = true
	}
	return p
}

// ResolveWith advances an owned, in-progress task to its resolved state.
// newTask's fields are merged over the task's existing fields; a
// _new_state field (removed before persistence) can redirect the task to
// an arbitrary state, signal deletion (_new_state: false), or fall back
// to the spec's FinishedState.
func (tw *TaskWorker) ResolveWith(newTask any) db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed || !tw.ownsInProgress(task) {
			return nil, db.ErrAbort
		}

		payload := decodeResolvePayload(newTask)
		var nextState *string
		var deletesTask bool
		switch {
		case payload.newState != nil:
			nextState = payload.newState
		case payload.hasFalse:
			deletesTask = true
		case payload.hasNull:
			deletesTask = tw.spec.FinishedState == nil
		default:
			nextState = cloneStrPtr(tw.spec.FinishedState)
			deletesTask = tw.spec.FinishedState == nil
		}
		if deletesTask {
			return nil, db.ErrDelete
		}

		next := task.clone()
		for k, v := range payload.fields {
			next.Fields[k] = v
		}
		next.State = nextState
		next.Progress = intPtr(100)
		next.Owner = nil
		next.ErrorDetails = nil
		return next.encode(true), nil
	}
}

// RejectWith routes a failed task back to StartState for another attempt,
// or to ErrorState once retries are exhausted, recording the failure in
// _error_details. The attempt counter resets to 1 whenever the previous
// error chain belonged to a different in-progress state (e.g. the spec
// changed, or this is the task's first failure at this stage).
func (tw *TaskWorker) RejectWith(errMsg string, errStack string) db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed || !tw.ownsInProgress(task) {
			return nil, db.ErrAbort
		}

		prevAttempts := 0
		if task.ErrorDetails != nil && task.ErrorDetails.PreviousState == tw.spec.InProgressState {
			prevAttempts = task.ErrorDetails.Attempts
		}
		attempts := prevAttempts + 1

		var nextState *string
		if attempts > tw.spec.retries() {
			nextState = strPtr(tw.spec.errorState())
		} else {
			nextState = cloneStrPtr(tw.spec.StartState)
		}

		next := task.clone()
		next.Owner = nil
		next.State = nextState
		next.ErrorDetails = &ErrorDetails{
			PreviousState: tw.spec.InProgressState,
			Attempts:      attempts,
			Error:         errMsg,
			ErrorStack:    errStack,
		}
		return next.encode(true), nil
	}
}

// UpdateProgressWith records a progress value on an owned, in-progress
// task without otherwise disturbing it — notably, _state_changed is left
// untouched, since a progress update is not a state transition.
func (tw *TaskWorker) UpdateProgressWith(progress int) db.TxnFunc {
	return func(current any) (map[string]any, error) {
		if current == nil {
			return nil, db.ErrDelete
		}
		task, malformed := parseTask(current)
		if malformed || !tw.ownsInProgress(task) {
			return nil, db.ErrAbort
		}
		next := task.clone()
		next.Progress = intPtr(progress)
		return next.encode(false), nil
	}
}

// parseTask decodes a raw transaction value into a Record. malformed is
// true when current is non-nil but not a map[string]any — e.g. a task
// record some external writer clobbered with a scalar or array.
func parseTask(current any) (task *Record, malformed bool) {
	if current == nil {
		return nil, false
	}
	m, ok := current.(map[string]any)
	if !ok {
		return nil, true
	}
	return decodeRecord(m), false
}

func cloneStrPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
