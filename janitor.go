// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package taskqueue

import (
	"time"

	"github.com/relaydb/taskqueue/db"
)

// janitorBatchSize bounds how many expired tasks a single sweep deletes,
// so a backlog built up while the janitor was disabled drains gradually
// instead of issuing one enormous burst of transactions.
const janitorBatchSize = 100

// runJanitor periodically deletes finished and errored tasks whose
// _state_changed is older than the configured retention. It is started
// only when WithRetention is set to a positive duration; otherwise
// finished and errored tasks are left in place indefinitely.
func (w *QueueWorker) runJanitor() {
	interval := w.cfg.retention / 4
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			w.sweepExpired()
			timer.Reset(interval)
		}
	}
}

func (w *QueueWorker) sweepExpired() {
	spec := w.currentSpec()
	if spec == nil {
		return
	}
	cutoff := w.serverNow().Add(-w.cfg.retention)

	w.sweepState(spec.errorState(), cutoff)
	if spec.FinishedState != nil {
		w.sweepState(*spec.FinishedState, cutoff)
	}
}

func (w *QueueWorker) sweepState(state string, cutoff time.Time) {
	query := db.Query{Ref: w.tasksRef, Field: "_state", HasEqualTo: true, EqualTo: state, Limit: janitorBatchSize}
	snaps, err := w.database.QueryOnce(w.ctx, query)
	if err != nil {
		w.logger.Errorf("queueworker: janitor query failed for state %q: %v", state, err)
		return
	}
	for _, snap := range snaps {
		m, ok := snap.Value.(map[string]any)
		if !ok {
			continue
		}
		rec := decodeRecord(m)
		if rec.StateChanged.IsZero() || rec.StateChanged.After(cutoff) {
			continue
		}
		ref := snap.Ref
		if _, err := w.database.Transaction(w.ctx, ref, func(current any) (map[string]any, error) {
			return nil, db.ErrDelete
		}); err != nil {
			w.logger.Errorf("queueworker: janitor failed to delete %s: %v", ref.Path(), err)
		}
	}
}

// currentSpec safely reads the active spec from outside the run loop.
func (w *QueueWorker) currentSpec() *Spec {
	var s *Spec
	w.sync(func() { s = w.spec })
	return s
}
