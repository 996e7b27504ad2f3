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

package queue

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "fedcore-queue-*.sqlite3")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := sql.Open("sqlite3", f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`create table jobs(
		id string primary key,
		queue string not null,
		priority integer not null,
		unique_key string,
		args jsonb not null,
		attempt integer not null default 0,
		max_attempts integer not null,
		inserted_at integer not null,
		scheduled_at integer not null,
		state string not null
	)`)
	require.NoError(t, err)

	return db
}

func TestQueue_EnqueueAndLease(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "delivery", PriorityHigh, "", 5, map[string]string{"inbox": "https://b.c/inbox"})
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	jobs, err := q.Lease(ctx, "delivery", 10)
	assert.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, Executing, jobs[0].State)

	more, err := q.Lease(ctx, "delivery", 10)
	assert.NoError(t, err)
	assert.Empty(t, more)
}

func TestQueue_PriorityOrder(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "inbox_process", PriorityLow, "", 3, nil)
	assert.NoError(t, err)
	high, err := q.Enqueue(ctx, "inbox_process", PriorityHighest, "", 3, nil)
	assert.NoError(t, err)

	jobs, err := q.Lease(ctx, "inbox_process", 10)
	assert.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high, jobs[0].ID)
	assert.Equal(t, low, jobs[1].ID)
}

func TestQueue_Deduplication(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "delivery", PriorityHigh, "activity-1:https://b.c/inbox", 5, nil)
	assert.NoError(t, err)

	id2, err := q.Enqueue(ctx, "delivery", PriorityHigh, "activity-1:https://b.c/inbox", 5, nil)
	assert.NoError(t, err)
	assert.Equal(t, id1, id2)

	jobs, err := q.Lease(ctx, "delivery", 10)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestQueue_FailDiscardsAfterMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "delivery", PriorityHigh, "", 1, nil)
	assert.NoError(t, err)

	_, err = q.Lease(ctx, "delivery", 10)
	assert.NoError(t, err)

	assert.NoError(t, q.Fail(ctx, id, time.Second))

	var state string
	assert.NoError(t, db.QueryRow(`select state from jobs where id = ?`, id).Scan(&state))
	assert.Equal(t, string(Discarded), state)
}

func TestQueue_SnoozeDoesNotConsumeAttempt(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "retry_scheduler", PriorityHigh, "", 3, nil)
	assert.NoError(t, err)
	_, err = q.Lease(ctx, "retry_scheduler", 10)
	assert.NoError(t, err)

	assert.NoError(t, q.Snooze(ctx, id, time.Hour))

	var attempt int
	assert.NoError(t, db.QueryRow(`select attempt from jobs where id = ?`, id).Scan(&attempt))
	assert.Equal(t, 0, attempt)
}
