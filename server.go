// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydb/taskqueue/internal/log"
)

// Supervisor owns the lifecycle of a fixed set of QueueWorkers sharing a
// process: it starts them, listens for termination signals, and drives a
// coordinated, timeout-bounded shutdown across all of them.
//
// A Supervisor is optional — a single QueueWorker is already a complete,
// independently runnable unit — but a process hosting several pipeline
// stages typically wants one shutdown sequence rather than one per
// worker.
type Supervisor struct {
	logger *log.Logger

	state *supervisorState

	mu              sync.Mutex
	workers         []*QueueWorker
	shutdownTimeout time.Duration

	wg sync.WaitGroup
}

type supervisorState struct {
	mu    sync.Mutex
	value supervisorStateValue
}

type supervisorStateValue int

const (
	svStateNew supervisorStateValue = iota
	svStateActive
	svStateStopped
	svStateClosed
)

var supervisorStates = []string{"new", "active", "stopped", "closed"}

func (s supervisorStateValue) String() string {
	if svStateNew <= s && s <= svStateClosed {
		return supervisorStates[s]
	}
	return "unknown status"
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Logger specifies the logger used by the supervisor instance.
	//
	// If unset, the default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait for every managed
	// QueueWorker to finish its in-flight task before Shutdown gives up
	// waiting and returns.
	//
	// If unset or zero, a default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration
}

const defaultShutdownTimeout = 8 * time.Second

// ErrSupervisorClosed indicates that the operation is illegal because the
// supervisor has already been shut down.
var ErrSupervisorClosed = errors.New("taskqueue: supervisor closed")

// NewSupervisor returns a new, unstarted Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := log.NewLogger(cfg.Logger)
	level := cfg.LogLevel
	if level == levelUnspecified {
		level = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(level))

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	return &Supervisor{
		logger:          logger,
		state:           &supervisorState{value: svStateNew},
		shutdownTimeout: shutdownTimeout,
	}
}

// Manage registers w for coordinated shutdown. Stop and Shutdown act on
// every worker registered at the time they are called.
func (sv *Supervisor) Manage(w *QueueWorker) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.workers = append(sv.workers, w)
}

// Run starts every managed worker and blocks until an os signal to exit
// the program is received, then shuts them all down.
func (sv *Supervisor) Run() error {
	if err := sv.Start(); err != nil {
		return err
	}
	sv.waitForSignals()
	sv.Shutdown()
	return nil
}

// Start transitions the supervisor to active. QueueWorkers begin claiming
// tasks as soon as they're constructed, so Start's only job is to record
// that the supervisor itself is up and accept Stop/Shutdown calls.
func (sv *Supervisor) Start() error {
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	switch sv.state.value {
	case svStateActive:
		return fmt.Errorf("taskqueue: the supervisor is already running")
	case svStateStopped:
		return fmt.Errorf("taskqueue: the supervisor is in the stopped state, waiting for shutdown")
	case svStateClosed:
		return ErrSupervisorClosed
	}
	sv.state.value = svStateActive
	sv.logger.Info("Supervisor started")
	return nil
}

// Stop signals every managed worker to stop claiming new tasks, without
// waiting for in-flight tasks to finish. Call Shutdown afterward to await
// them.
func (sv *Supervisor) Stop() {
	sv.state.mu.Lock()
	if sv.state.value != svStateActive {
		sv.state.mu.Unlock()
		return
	}
	sv.state.value = svStateStopped
	sv.state.mu.Unlock()

	sv.logger.Info("Stopping new task claims")
	sv.mu.Lock()
	workers := append([]*QueueWorker(nil), sv.workers...)
	sv.mu.Unlock()
	for _, w := range workers {
		w.SetTaskSpec(nil)
	}
}

// Shutdown gracefully shuts down every managed worker, waiting up to
// ShutdownTimeout for each to finish its in-flight task.
func (sv *Supervisor) Shutdown() {
	sv.state.mu.Lock()
	if sv.state.value == svStateNew || sv.state.value == svStateClosed {
		sv.state.mu.Unlock()
		return
	}
	sv.state.value = svStateClosed
	sv.state.mu.Unlock()

	sv.logger.Info("Starting graceful shutdown")
	sv.mu.Lock()
	workers := append([]*QueueWorker(nil), sv.workers...)
	sv.mu.Unlock()

	for _, w := range workers {
		w := w
		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sv.shutdownTimeout)
			defer cancel()
			if err := w.Shutdown(ctx); err != nil {
				sv.logger.Errorf("queue worker shutdown did not complete cleanly: %v", err)
			}
		}()
	}
	sv.wg.Wait()
	sv.logger.Info("Exiting")
}
