/*
Copyright 2025, 2026 Dima Krasner

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package inboxqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/pipeline"
	"github.com/dimkr/fedcore/queue"
)

// Worker leases staged activities off the durable queue and runs each
// through the pipeline, off the HTTP request path.
type Worker struct {
	Config   *cfg.Config
	Durable  *queue.Queue
	Pipeline *pipeline.Pipeline
	Workers  int
}

// Run polls on Config.InboxProcessPollInterval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Config.InboxProcessPollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessBatch(ctx); err != nil {
			slog.ErrorContext(ctx, "inbound activity batch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch leases up to Config.InboxProcessBatchSize due jobs and
// processes them, sharding work across Workers goroutines by actor so
// activities from the same sender are handled in order.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.Durable.Lease(ctx, QueueName, w.Config.InboxProcessBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to lease inbound activities: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	workers := w.Workers
	if workers <= 0 {
		workers = w.Config.InboxProcessWorkers
	}
	if workers <= 0 {
		workers = 1
	}

	shards := make([]chan queue.Job, workers)
	for i := range shards {
		shards[i] = make(chan queue.Job, len(jobs))
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range shards {
		go func(ch <-chan queue.Job) {
			defer wg.Done()
			for job := range ch {
				w.processOne(ctx, job)
			}
		}(shards[i])
	}

	for _, job := range jobs {
		var args jobArgs
		shard := 0
		if err := json.Unmarshal(job.Args, &args); err == nil {
			shard = int(crc32.ChecksumIEEE([]byte(args.ActorID)) % uint32(workers))
		}
		shards[shard] <- job
	}
	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()

	return len(jobs), nil
}

func (w *Worker) processOne(ctx context.Context, job queue.Job) {
	var args jobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		slog.ErrorContext(ctx, "failed to unmarshal staged activity, discarding", "job", job.ID, "error", err)
		if err := w.Durable.Complete(ctx, job.ID); err != nil {
			slog.ErrorContext(ctx, "failed to discard malformed job", "job", job.ID, "error", err)
		}
		return
	}

	origin, err := ap.Origin(args.ActorID)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.Pipeline.ProcessIncoming(ctx, origin, args.Activity); err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.Durable.Complete(ctx, job.ID); err != nil {
		slog.ErrorContext(ctx, "failed to complete job", "job", job.ID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, job queue.Job, cause error) {
	slog.InfoContext(ctx, "failed to process inbound activity", "job", job.ID, "activity", job.Args, "error", cause)

	shift := job.Attempt
	if shift > 20 {
		shift = 20
	}
	backoff := w.Config.DeliveryBaseBackoff << shift
	if backoff <= 0 || backoff > w.Config.DeliveryMaxBackoff {
		backoff = w.Config.DeliveryMaxBackoff
	}

	if err := w.Durable.Fail(ctx, job.ID, backoff); err != nil {
		slog.ErrorContext(ctx, "failed to record failed job", "job", job.ID, "error", err)
	}
}
