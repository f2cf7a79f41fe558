// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modernshop/mailq/internal/rdb"
)

// Server ties together job processing and job lifecycle management.
//
// Server runs a worker that pulls jobs off the queue and processes them,
// plus the background daemons: a recoverer that reclaims jobs whose worker
// died mid-flight, a janitor that expires old terminal records, and a
// healthchecker that pings redis.
type Server struct {
	logger *zap.Logger
	queue  *Queue

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	worker        *Worker
	recoverer     *recoverer
	janitor       *janitor
	healthchecker *healthchecker

	// cancels the worker's run context on shutdown.
	cancelWorker context.CancelFunc
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// srvStateNew represents a new server.
	srvStateNew serverStateValue = iota

	// srvStateActive indicates the server is up and active.
	srvStateActive

	// srvStateStopped indicates the server is up but no longer claiming new jobs.
	srvStateStopped

	// srvStateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's background processing behavior.
// Zero values select the documented defaults.
type Config struct {
	// Maximum number of jobs processed concurrently.
	//
	// If unset or non-positive, 5 is used.
	Concurrency int

	// PollInterval is how long the worker sleeps when the queue is empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	PollInterval time.Duration

	// StalledCheckInterval is how often lease-expired active jobs are
	// reclaimed. Defaults to the broker lease timeout (30s) when unset.
	StalledCheckInterval time.Duration

	// HealthCheckInterval is how often redis is pinged. Defaults to 15s.
	HealthCheckInterval time.Duration

	// HealthCheckFunc, when set, is called after every ping with its result.
	HealthCheckFunc func(error)

	// JanitorInterval is how often expired terminal records are deleted.
	// Defaults to 8 seconds.
	JanitorInterval time.Duration

	// CompletedRetention is how long completed job records are kept.
	// Defaults to 24 hours.
	CompletedRetention time.Duration

	// FailedRetention is how long failed job records are kept.
	// Defaults to 7 days.
	FailedRetention time.Duration

	// Logger used by the server and its daemons. Defaults to zap.NewNop().
	Logger *zap.Logger

	// Observer receives job lifecycle events. Defaults to logging via Logger.
	Observer Observer
}

// NewServer returns a Server processing jobs from queue with the handlers
// registered in registry.
func NewServer(queue *Queue, registry *Registry, cfg Config) *Server {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StalledCheckInterval <= 0 {
		cfg.StalledCheckInterval = rdb.DefaultLeaseTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 15 * time.Second
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 8 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	workerOpts := []WorkerOption{
		WithConcurrency(cfg.Concurrency),
		WithPollInterval(cfg.PollInterval),
		WithWorkerLogger(logger),
	}
	if cfg.Observer != nil {
		workerOpts = append(workerOpts, WithObserver(cfg.Observer))
	}

	return &Server{
		logger: logger,
		queue:  queue,
		state:  &serverState{value: srvStateNew},
		worker: NewWorker(queue, registry, workerOpts...),
		recoverer: newRecoverer(recovererParams{
			logger:   logger,
			queue:    queue,
			interval: cfg.StalledCheckInterval,
		}),
		janitor: newJanitor(janitorParams{
			logger:             logger,
			queue:              queue,
			interval:           cfg.JanitorInterval,
			completedRetention: cfg.CompletedRetention,
			failedRetention:    cfg.FailedRetention,
		}),
		healthchecker: newHealthChecker(healthcheckerParams{
			logger:          logger,
			queue:           queue,
			interval:        cfg.HealthCheckInterval,
			healthcheckFunc: cfg.HealthCheckFunc,
		}),
	}
}

// ErrServerClosed indicates that the operation is now illegal because the
// server has been shutdown.
var ErrServerClosed = errors.New("mailq: server closed")

// Run starts job processing and blocks until an os signal to exit the
// program is received. Once it receives a signal, it gracefully shuts down
// all active workers and daemons.
func (srv *Server) Run() error {
	if err := srv.Start(); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker and the background daemons. It returns an error
// if the server has already started or been shutdown.
func (srv *Server) Start() error {
	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("starting job processing",
		zap.String("queue", srv.queue.Name()),
		zap.Int("concurrency", srv.worker.concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	srv.cancelWorker = cancel
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.worker.Run(ctx)
	}()

	srv.healthchecker.start(&srv.wg)
	srv.recoverer.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("mailq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("mailq: the server is in the stopped state, waiting for shutdown")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server. In-flight jobs run to
// completion and report their outcomes before Shutdown returns.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("starting graceful shutdown")
	srv.cancelWorker()
	srv.recoverer.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()
	srv.logger.Info("exiting")
}

// Stop signals the server to stop claiming new jobs off the queue.
// Jobs already running continue; call Shutdown to wait for them.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("stopping worker")
	srv.worker.Stop()
	srv.logger.Info("worker stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.queue.broker.Ping(ctx)
}
