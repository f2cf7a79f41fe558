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

// recoverer is responsible for periodically moving lease-expired active jobs
// back to the waiting set so another worker can claim them.
type recoverer struct {
	logger *zap.Logger
	queue  *Queue

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// interval between stalled-job checks.
	interval time.Duration
}

type recovererParams struct {
	logger   *zap.Logger
	queue    *Queue
	interval time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:   params.logger,
		queue:    params.queue,
		done:     make(chan struct{}),
		interval: params.interval,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("recoverer shutting down")
	// Signal the recoverer goroutine to stop.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.exec()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := r.queue.broker.RequeueStalled(ctx, r.queue.name)
	if err != nil {
		r.logger.Error("cannot requeue stalled jobs", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Warn("requeued stalled jobs",
			zap.String("queue", r.queue.name), zap.Int64("count", n))
	}
}
