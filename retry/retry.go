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

// Package retry reclaims deliveries a crashed worker left stranded and
// periodically prunes rows dispatch and the durable queue no longer need.
package retry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/queue"
)

// Scheduler resets deliveries stuck in the "sending" state, which happens
// when a worker is killed mid-delivery, back to "pending" so dispatch
// picks them up again.
type Scheduler struct {
	Config *cfg.Config
	DB     *sql.DB
}

// Run reclaims stuck deliveries every Config.RetrySchedulerInterval until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.RetrySchedulerInterval)
	defer ticker.Stop()

	for {
		if n, err := s.Reclaim(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim stuck deliveries", "error", err)
		} else if n > 0 {
			slog.InfoContext(ctx, "reclaimed stuck deliveries", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reclaim resets deliveries that have been "sending" for longer than
// Config.StuckDeliveryTimeout back to "pending".
func (s *Scheduler) Reclaim(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(
		ctx,
		`UPDATE deliveries SET status = 'pending' WHERE status = 'sending' AND (last_attempt_at IS NULL OR last_attempt_at <= unixepoch() - ?)`,
		int64(s.Config.StuckDeliveryTimeout.Seconds()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Maintenance periodically deletes rows that have finished their
// lifecycle and aren't needed for anything but already-completed history.
type Maintenance struct {
	Config *cfg.Config
	DB     *sql.DB
	Jobs   *queue.Queue
}

// Run prunes every Config.MaintenanceInterval until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		m.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Maintenance) sweep(ctx context.Context) {
	if n, err := m.pruneDeliveries(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to prune deliveries", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "pruned old deliveries", "count", n)
	}

	if n, err := m.pruneActivities(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to prune activities", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "pruned orphaned activities", "count", n)
	}

	if m.Jobs != nil {
		if n, err := m.Jobs.Prune(ctx, m.Config.JobTTL); err != nil {
			slog.ErrorContext(ctx, "failed to prune job queue", "error", err)
		} else if n > 0 {
			slog.InfoContext(ctx, "pruned completed jobs", "count", n)
		}
	}
}

// pruneDeliveries removes delivered or discarded rows older than
// Config.DeliveryRetention: their outcome has already been acted on.
func (m *Maintenance) pruneDeliveries(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(
		ctx,
		`DELETE FROM deliveries WHERE status IN ('delivered', 'discarded') AND (last_attempt_at IS NULL OR last_attempt_at <= unixepoch() - ?)`,
		int64(m.Config.DeliveryRetention.Seconds()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// pruneActivities removes local activity rows that no longer have a
// pending delivery: remote actors keep their cached representation in
// the actors table, not here.
func (m *Maintenance) pruneActivities(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(
		ctx,
		`DELETE FROM activities WHERE local = 1
		 AND NOT EXISTS (SELECT 1 FROM deliveries WHERE deliveries.activity_id = activities.activity_id AND deliveries.status = 'pending')
		 AND id IN (SELECT id FROM activities WHERE local = 1 ORDER BY id LIMIT 10000)`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
