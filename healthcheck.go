// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/internal/log"
)

// healthchecker periodically pings the backing Database and invokes a
// user-provided callback with each ping's result (nil when reachable).
type healthchecker struct {
	logger   *log.Logger
	database db.Database
	ctx      context.Context

	done chan struct{}

	interval time.Duration

	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	database        db.Database
	ctx             context.Context
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		database:        params.database,
		ctx:             params.ctx,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	close(hc.done)
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		defer timer.Stop()
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				return
			case <-hc.ctx.Done():
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	err := hc.database.Ping(hc.ctx)
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
