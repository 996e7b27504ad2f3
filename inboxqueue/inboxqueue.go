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

// Package inboxqueue buffers inbound activities in memory so the inbox
// HTTP handler can return 202 quickly, without a database round trip on
// the request path. A flusher periodically drains the buffer into the
// durable job queue.
package inboxqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/queue"
)

// QueueName is the durable queue name staged activities are flushed
// onto, and that [Worker] leases from.
const QueueName = "inbox_process"

// Result reports what [Queue.Enqueue] did with an activity.
type Result int

const (
	Queued Result = iota
	Duplicate
	Shed
)

// low-priority activity types eligible for shedding under overload; a Like,
// Dislike or EmojiReact, or an Undo of one, can be safely dropped without
// leaving federated state visibly inconsistent.
func isLowPriority(activity *ap.Activity) bool {
	switch activity.Type {
	case ap.Like, ap.Dislike, ap.EmojiReact:
		return true
	case ap.Undo:
		inner, ok := activity.Object.(*ap.Activity)
		return ok && (inner.Type == ap.Like || inner.Type == ap.Dislike || inner.Type == ap.EmojiReact)
	default:
		return false
	}
}

func priority(activity *ap.Activity) queue.Priority {
	switch activity.Type {
	case ap.Create, ap.Update, ap.Delete:
		return queue.PriorityHighest
	case ap.Follow, ap.Accept, ap.Reject, ap.Undo, ap.Block:
		return queue.PriorityHigh
	case ap.Like, ap.Dislike, ap.EmojiReact:
		return queue.PriorityLow
	case ap.Announce:
		if inner, ok := activity.Object.(*ap.Object); ok && ap.IsContentObjectType(inner.Type) {
			return queue.PriorityHighest
		}
		return queue.PriorityLow
	default:
		return queue.PriorityHigh
	}
}

type staged struct {
	Activity  *ap.Activity
	ActorID   string
	TargetID  string
	StagedAt  time.Time
}

// Queue stages activities in memory and flushes them into a durable job
// queue on a timer.
type Queue struct {
	Durable       *queue.Queue
	MaxSize       int
	DedupWindow   time.Duration
	FlushInterval time.Duration
	MaxBatchSize  int
	ChunkSize     int
	MaxAttempts   int

	mu      sync.Mutex
	order   []string
	staging map[string]staged
	dedup   map[string]time.Time
}

func New(durable *queue.Queue, maxSize int, dedupWindow, flushInterval time.Duration, maxBatchSize, chunkSize, maxAttempts int) *Queue {
	return &Queue{
		Durable:       durable,
		MaxSize:       maxSize,
		DedupWindow:   dedupWindow,
		FlushInterval: flushInterval,
		MaxBatchSize:  maxBatchSize,
		ChunkSize:     chunkSize,
		MaxAttempts:   maxAttempts,
		staging:       make(map[string]staged),
		dedup:         make(map[string]time.Time),
	}
}

// Enqueue stages activity for delivery to the durable queue. It never
// touches the database.
func (q *Queue) Enqueue(activity *ap.Activity, actorID, targetID string) Result {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if until, ok := q.dedup[activity.ID]; ok && now.Before(until) {
		return Duplicate
	}

	if len(q.staging) >= q.MaxSize && isLowPriority(activity) {
		return Shed
	}

	trimmed := trim(activity)

	ref := activity.ID + "\x00" + targetID
	q.staging[ref] = staged{Activity: trimmed, ActorID: actorID, TargetID: targetID, StagedAt: now}
	q.order = append(q.order, ref)
	q.dedup[activity.ID] = now.Add(q.DedupWindow)

	return Queued
}

// trim drops fields this engine never reads, shrinking what gets carried
// through the queue: poll tallies are refreshed from the object itself
// when a vote activity references it, not from the staged copy.
func trim(activity *ap.Activity) *ap.Activity {
	obj, ok := activity.Object.(*ap.Object)
	if !ok || obj.Type != ap.Question {
		return activity
	}

	clone := *activity
	objClone := *obj
	objClone.OneOf = nil
	objClone.AnyOf = nil
	clone.Object = &objClone
	return &clone
}

// Run starts the periodic flusher. It blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.FlushInterval)
	defer t.Stop()

	cleanup := time.NewTicker(q.DedupWindow)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.flush(ctx)
		case <-cleanup.C:
			q.pruneDedup()
		}
	}
}

func (q *Queue) pruneDedup() {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, until := range q.dedup {
		if now.After(until) {
			delete(q.dedup, id)
		}
	}
}

func (q *Queue) drain(n int) []staged {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.order) {
		n = len(q.order)
	}

	refs := q.order[:n]
	q.order = q.order[n:]

	items := make([]staged, 0, n)
	for _, ref := range refs {
		if s, ok := q.staging[ref]; ok {
			items = append(items, s)
			delete(q.staging, ref)
		}
	}

	return items
}

func (q *Queue) requeue(items []staged) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range items {
		ref := s.Activity.ID + "\x00" + s.TargetID
		if _, exists := q.staging[ref]; exists {
			continue
		}
		q.staging[ref] = s
		q.order = append(q.order, ref)
	}
}

func (q *Queue) flush(ctx context.Context) {
	items := q.drain(q.MaxBatchSize)
	if len(items) == 0 {
		return
	}

	for i := 0; i < len(items); i += q.ChunkSize {
		end := min(i+q.ChunkSize, len(items))
		chunk := items[i:end]

		if err := q.insertChunk(ctx, chunk); err != nil {
			slog.Warn("Failed to flush inbox chunk, requeueing", "count", len(chunk), "error", err)
			q.requeue(chunk)
		}
	}
}

// jobArgs is the payload carried through the durable queue for one
// staged activity: the (trimmed) activity itself, so the consumer never
// has to re-fetch or re-resolve anything the inbox handler already had
// in hand.
type jobArgs struct {
	Activity *ap.Activity `json:"activity"`
	ActorID  string       `json:"actor"`
	TargetID string       `json:"target,omitempty"`
}

func (q *Queue) insertChunk(ctx context.Context, chunk []staged) error {
	for _, s := range chunk {
		args := jobArgs{Activity: s.Activity, ActorID: s.ActorID, TargetID: s.TargetID}
		if _, err := q.Durable.Enqueue(ctx, QueueName, priority(s.Activity), "", q.MaxAttempts, args); err != nil {
			return err
		}
	}
	return nil
}
