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
	"log/slog"
	"testing"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/handlers"
	"github.com/dimkr/fedcore/mrf"
	"github.com/dimkr/fedcore/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct{ created int }

func (f *fakeMessages) Create(ctx context.Context, msg *handlers.Message) (bool, error) {
	f.created++
	return true, nil
}
func (f *fakeMessages) FindByActivityID(ctx context.Context, activityID string) (*handlers.Message, error) {
	return nil, nil
}
func (f *fakeMessages) IncrementReplyCount(ctx context.Context, parentActivityID string) error {
	return nil
}
func (f *fakeMessages) Update(ctx context.Context, activityID, content, name, contentWarning string, editedAt time.Time) error {
	return nil
}
func (f *fakeMessages) SoftDelete(ctx context.Context, activityID string) error { return nil }

func newTestConfig() *cfg.Config {
	var c cfg.Config
	c.FillDefaults()
	c.InboxProcessWorkers = 2
	c.InboxProcessBatchSize = 10
	return &c
}

func newActivity() *ap.Activity {
	var to ap.Audience
	to.Add(ap.Public)
	return &ap.Activity{
		ID:    "https://remote.example/create/1",
		Type:  ap.Create,
		Actor: "https://remote.example/users/alice",
		Object: &ap.Object{
			ID:      "https://remote.example/notes/1",
			Type:    ap.Note,
			Content: "hi",
			To:      to,
		},
		To: to,
	}
}

func TestWorker_ProcessBatch_DispatchesStagedActivity(t *testing.T) {
	durable := newTestQueue(t)
	msgs := &fakeMessages{}
	p := &pipeline.Pipeline{
		Domain: "local.example",
		MRF:    mrf.New(slog.Default()),
		Dispatcher: &handlers.Dispatcher{
			Domain:   "local.example",
			Messages: msgs,
		},
	}

	q := New(durable, 10, time.Minute, time.Hour, 25, 5, 5)
	assert.Equal(t, Queued, q.Enqueue(newActivity(), "https://remote.example/users/alice", ""))
	q.flush(context.Background())

	w := &Worker{Config: newTestConfig(), Durable: durable, Pipeline: p}
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, msgs.created)

	jobs, err := durable.Lease(context.Background(), QueueName, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWorker_ProcessBatch_RetriesOnFailure(t *testing.T) {
	durable := newTestQueue(t)
	p := &pipeline.Pipeline{
		Domain: "local.example",
		MRF:    mrf.New(slog.Default()),
		Dispatcher: &handlers.Dispatcher{
			Domain:   "local.example",
			Messages: &fakeMessages{},
		},
	}

	q := New(durable, 10, time.Minute, time.Hour, 25, 5, 5)
	bad := newActivity()
	bad.ID = ""
	assert.Equal(t, Queued, q.Enqueue(bad, "https://remote.example/users/alice", ""))
	q.flush(context.Background())

	w := &Worker{Config: newTestConfig(), Durable: durable, Pipeline: p}
	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	var attempt int
	require.NoError(t, durable.DB.QueryRow(`select attempt from jobs where queue = ?`, QueueName).Scan(&attempt))
	assert.Equal(t, 1, attempt)
}
