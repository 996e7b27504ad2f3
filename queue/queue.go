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

// Package queue implements a durable, SQLite-backed job queue whose jobs
// are distinguished by queue name. Inbound activity processing enqueues
// onto it; outgoing deliveries use their own deliveries table, and
// periodic maintenance only prunes old jobs from it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a Job's lifecycle stage.
type State string

const (
	Available State = "available"
	Executing State = "executing"
	Completed State = "completed"
	Discarded State = "discarded"
)

// Priority orders jobs within a queue; 0 is highest.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 1
	PriorityLow     Priority = 2
	PriorityLowest  Priority = 3
)

var ErrNotFound = errors.New("job not found")

// Job is one unit of work leased from a queue.
type Job struct {
	ID          string
	Queue       string
	Priority    Priority
	UniqueKey   string
	Args        json.RawMessage
	Attempt     int
	MaxAttempts int
	InsertedAt  time.Time
	ScheduledAt time.Time
	State       State
}

// Queue is a handle to the jobs table, shared by every named queue.
type Queue struct {
	DB *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{DB: db}
}

// Enqueue inserts a job ready to run immediately. If uniqueKey is non-empty
// and a job with the same queue and key is still available or executing,
// Enqueue is a no-op and returns the existing job's ID.
func (q *Queue) Enqueue(ctx context.Context, queueName string, priority Priority, uniqueKey string, maxAttempts int, args any) (string, error) {
	return q.EnqueueAt(ctx, queueName, priority, uniqueKey, maxAttempts, args, time.Now())
}

// EnqueueAt is [Queue.Enqueue] with an explicit ready time, for jobs that
// should not be picked up until later (e.g. a retry-scheduler tick).
func (q *Queue) EnqueueAt(ctx context.Context, queueName string, priority Priority, uniqueKey string, maxAttempts int, args any, scheduledAt time.Time) (string, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job args: %w", err)
	}

	if uniqueKey != "" {
		var existing string
		err := q.DB.QueryRowContext(
			ctx,
			`select id from jobs where queue = ? and unique_key = ? and state in ('available', 'executing')`,
			queueName,
			uniqueKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to check for duplicate job: %w", err)
		}
	}

	id := uuid.NewString()

	if _, err := q.DB.ExecContext(
		ctx,
		`insert into jobs(id, queue, priority, unique_key, args, attempt, max_attempts, inserted_at, scheduled_at, state)
		 values(?, ?, ?, nullif(?, ''), ?, 0, ?, unixepoch(), ?, ?)`,
		id,
		queueName,
		int(priority),
		uniqueKey,
		string(buf),
		maxAttempts,
		scheduledAt.Unix(),
		Available,
	); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

// Lease atomically marks up to n available, due jobs from queueName as
// executing and returns them, ordered by priority then insertion order.
func (q *Queue) Lease(ctx context.Context, queueName string, n int) ([]Job, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(
		ctx,
		`select id, priority, unique_key, args, attempt, max_attempts, inserted_at, scheduled_at
		 from jobs
		 where queue = ? and state = ? and scheduled_at <= unixepoch()
		 order by priority asc, inserted_at asc
		 limit ?`,
		queueName,
		Available,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		var j Job
		var uniqueKey sql.NullString
		var inserted, scheduled int64
		var priority int
		if err := rows.Scan(&j.ID, &priority, &uniqueKey, &j.Args, &j.Attempt, &j.MaxAttempts, &inserted, &scheduled); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Queue = queueName
		j.Priority = Priority(priority)
		j.UniqueKey = uniqueKey.String
		j.InsertedAt = time.Unix(inserted, 0)
		j.ScheduledAt = time.Unix(scheduled, 0)
		j.State = Executing
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx, `update jobs set state = ? where id = ?`, Executing, j.ID); err != nil {
			return nil, fmt.Errorf("failed to lease job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	return jobs, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	res, err := q.DB.ExecContext(ctx, `update jobs set state = ? where id = ?`, Completed, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Fail records a failed attempt. If the job has attempts remaining it's
// rescheduled after backoff; otherwise it's discarded.
func (q *Queue) Fail(ctx context.Context, id string, backoff time.Duration) error {
	res, err := q.DB.ExecContext(
		ctx,
		`update jobs set
			attempt = attempt + 1,
			state = case when attempt + 1 >= max_attempts then ? else ? end,
			scheduled_at = unixepoch() + ?
		 where id = ?`,
		Discarded,
		Available,
		int64(backoff/time.Second),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record failed job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Snooze reschedules a job without consuming an attempt.
func (q *Queue) Snooze(ctx context.Context, id string, after time.Duration) error {
	res, err := q.DB.ExecContext(
		ctx,
		`update jobs set state = ?, scheduled_at = unixepoch() + ? where id = ?`,
		Available,
		int64(after/time.Second),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to snooze job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Prune deletes completed and discarded jobs older than ttl, bounding the
// table's growth under sustained federation traffic.
func (q *Queue) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := q.DB.ExecContext(
		ctx,
		`delete from jobs where state in (?, ?) and inserted_at <= unixepoch() - ?`,
		Completed,
		Discarded,
		int64(ttl/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}
