// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// An Observer receives job lifecycle notifications from a Worker. All
// callbacks run on the goroutine processing the job and should return
// quickly.
type Observer interface {
	OnJobStarted(job *Job)
	OnJobProgress(job *Job, percent int)
	OnJobCompleted(job *Job, result *Result)
	OnJobFailed(job *Job, err error, willRetry bool)
}

// zapObserver is the default Observer; it logs lifecycle events.
type zapObserver struct {
	logger *zap.Logger
}

func (o *zapObserver) OnJobStarted(job *Job) {
	o.logger.Info("processing job",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.AttemptsMade+1))
}

func (o *zapObserver) OnJobProgress(job *Job, percent int) {
	o.logger.Debug("job progress",
		zap.String("job_id", job.ID),
		zap.Int("percent", percent))
}

func (o *zapObserver) OnJobCompleted(job *Job, result *Result) {
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
	}
	if result != nil {
		fields = append(fields, zap.String("recipient", result.Recipient))
	}
	o.logger.Info("job completed", fields...)
}

func (o *zapObserver) OnJobFailed(job *Job, err error, willRetry bool) {
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Bool("will_retry", willRetry),
		zap.Error(err))
}

// Worker pulls jobs from a queue and runs their handlers, up to a fixed
// number concurrently. Outcomes are reported back to the queue, which owns
// the retry policy.
type Worker struct {
	queue    *Queue
	registry *Registry
	logger   *zap.Logger
	observer Observer

	concurrency  int
	pollInterval time.Duration

	sema    chan struct{}
	errRate *rate.Limiter
	stopped int32
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs may run at once. Defaults to 5.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithPollInterval sets how long the worker sleeps when the queue is empty.
// Defaults to one second.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithObserver replaces the default logging observer.
func WithObserver(o Observer) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

// WithWorkerLogger sets the logger. Defaults to zap.NewNop().
func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker returns a Worker that processes jobs from queue using the
// handlers in registry.
func NewWorker(queue *Queue, registry *Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		registry:     registry,
		logger:       zap.NewNop(),
		concurrency:  5,
		pollInterval: time.Second,
		// Broker outages would otherwise log once per poll.
		errRate: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.observer == nil {
		w.observer = &zapObserver{logger: w.logger}
	}
	w.sema = make(chan struct{}, w.concurrency)
	return w
}

// Stop makes the worker stop claiming new jobs. Jobs already running
// continue until they finish.
func (w *Worker) Stop() {
	atomic.StoreInt32(&w.stopped, 1)
}

// Run claims and processes jobs until ctx is canceled, then waits for
// in-flight jobs to finish. It always returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for {
		if atomic.LoadInt32(&w.stopped) == 0 {
			free := w.concurrency - len(w.sema)
			if free > 0 {
				jobs, err := w.queue.FetchNext(ctx, free)
				switch {
				case err != nil:
					if ctx.Err() != nil {
						break
					}
					if w.errRate.Allow() {
						w.logger.Error("cannot fetch jobs", zap.Error(err))
					}
				case len(jobs) > 0:
					for _, job := range jobs {
						w.sema <- struct{}{}
						wg.Add(1)
						go func(job *Job) {
							defer wg.Done()
							defer func() { <-w.sema }()
							w.process(ctx, job)
						}(job)
					}
					// Skip the idle wait while the queue has work.
					continue
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.pollInterval)
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.observer.OnJobStarted(job)

	var result *Result
	var procErr error
	handler, ok := w.registry.Lookup(job.Type)
	if !ok {
		procErr = &HandlerNotFoundError{Type: job.Type}
	} else {
		jobCtx := withProgress(ctx, func(percent int) {
			w.observer.OnJobProgress(job, percent)
		})
		result, procErr = safeProcess(jobCtx, handler, job)
	}

	// The outcome must reach the broker even during shutdown; otherwise the
	// job sits in the active set until its lease expires.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if procErr == nil {
		if err := w.queue.MarkCompleted(reportCtx, job, result); err != nil {
			w.logger.Error("cannot record job completion",
				zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		w.observer.OnJobCompleted(job, result)
		return
	}

	retried, err := w.queue.MarkFailed(reportCtx, job, procErr)
	if err != nil {
		w.logger.Error("cannot record job failure",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.observer.OnJobFailed(job, procErr, retried)
}

// safeProcess runs the handler, converting a panic into an error so one bad
// job cannot take down the worker.
func safeProcess(ctx context.Context, h Handler, job *Job) (result *Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &DeliveryError{Err: panicError{v}}
		}
	}()
	return h.ProcessJob(ctx, job)
}

type panicError struct {
	value interface{}
}

func (e panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
