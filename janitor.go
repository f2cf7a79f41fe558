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

// janitor is responsible for periodically deleting expired terminal job
// records.
type janitor struct {
	logger *zap.Logger
	queue  *Queue

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration

	// retention windows per terminal state.
	completedRetention time.Duration
	failedRetention    time.Duration
}

type janitorParams struct {
	logger             *zap.Logger
	queue              *Queue
	interval           time.Duration
	completedRetention time.Duration
	failedRetention    time.Duration
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:             params.logger,
		queue:              params.queue,
		done:               make(chan struct{}),
		interval:           params.interval,
		completedRetention: params.completedRetention,
		failedRetention:    params.failedRetention,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("janitor shutting down")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := j.queue.Clean(ctx, j.completedRetention, StateCompleted); err != nil {
		j.logger.Error("cannot clean completed jobs", zap.Error(err))
	}
	if _, err := j.queue.Clean(ctx, j.failedRetention, StateFailed); err != nil {
		j.logger.Error("cannot clean failed jobs", zap.Error(err))
	}
}
