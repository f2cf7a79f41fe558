// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthchecker is responsible for periodically checking the health of the
// redis server and invoking a user provided callback with the result.
type healthchecker struct {
	logger *zap.Logger
	queue  *Queue

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// user provided callback to invoke with the ping result.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *zap.Logger
	queue           *Queue
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		queue:           params.queue,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("healthchecker shutting down")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := hc.queue.broker.Ping(ctx)
	if err != nil {
		hc.logger.Warn("redis ping failed", zap.Error(err))
	}
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
