// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package taskqueue implements a distributed, multi-stage task pipeline
over a hierarchical key/value store, in the style of firebase-queue: many
worker processes claim tasks from a shared location via a compare-and-set
transaction, so at most one worker ever processes a given task at a time,
and a crashed worker's claim is reclaimed automatically once it times out.

# Pipeline shape

A pipeline is a sequence of states a task moves through. Each stage is
owned by one or more QueueWorkers sharing a Spec: StartState names the
tasks a worker is eligible to claim, InProgressState is where a claimed
task lives while being worked, and FinishedState/ErrorState are where it
lands on success or exhausted retries. Chaining stages is just giving
stage N+1 worker a Spec whose StartState is stage N's FinishedState.

# Quick start

	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")

	w, err := taskqueue.NewQueueWorker(tasksRef, database, "worker-1",
		true, false,
		func(data map[string]any, progress taskqueue.ProgressFunc, resolve taskqueue.ResolveFunc, reject taskqueue.RejectFunc) {
			if err := doWork(data); err != nil {
				reject(err)
				return
			}
			resolve(nil)
		},
	)
	if err != nil {
		log.Fatal(err)
	}

	start := "queued"
	w.SetTaskSpec(&taskqueue.Spec{
		StartState:      &start,
		InProgressState: "in_progress",
		Timeout:         ptr(5 * time.Minute),
	})

# Running several stages in one process

A Supervisor owns a fixed set of QueueWorkers sharing a process: it
starts them, waits for a termination signal, and drives one coordinated,
timeout-bounded shutdown across all of them rather than each managing its
own signal handling.

	sv := taskqueue.NewSupervisor(taskqueue.SupervisorConfig{})
	sv.Manage(stage1)
	sv.Manage(stage2)
	log.Fatal(sv.Run())

# Backends

taskqueue depends only on the db.Database interface: child-added/changed/
removed listeners, a single-value watch, a compare-and-set transaction, an
opaque ordered push, a one-shot query, and a clock-skew estimate. db/memdb
is an in-process implementation for tests and examples; db/redisdb backs
onto Redis for production use.

# Retention and health checks

WithRetention arms a periodic sweep that deletes finished and errored
tasks older than the given duration. WithHealthCheck arms a periodic
Database.Ping with a user callback, for wiring into a process's own
liveness reporting.
*/
package taskqueue
