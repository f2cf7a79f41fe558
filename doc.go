// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package mailq provides the asynchronous email delivery subsystem for the
ModernShop backend, backed by redis for durability.

The Producer offers typed enqueue methods for the known email job types.
Enqueue is fire-and-forget: the job is validated and persisted, and delivery
happens later on a worker.

	producer := mailq.NewProducer(queue)
	if _, err := producer.EnqueueWelcome(ctx, user); err != nil {
		// The signup already succeeded. Log and move on.
		logger.Error("cannot queue welcome email", zap.Error(err))
	}

The Server runs the worker and the background daemons. Handlers are bound to
job types through a Registry:

	reg := mailq.NewRegistry()
	mailq.RegisterEmailHandlers(reg, mailer, mailq.EmailHandlerConfig{
		BaseURL: "https://shop.example.com",
	})
	srv := mailq.NewServer(queue, reg, mailq.Config{Concurrency: 5})
	if err := srv.Run(); err != nil {
		log.Fatal(err)
	}

Failed jobs are retried with exponential backoff until the attempt budget is
exhausted, then parked in a failed set where operators can inspect and retry
them through the admin API.
*/
package mailq
