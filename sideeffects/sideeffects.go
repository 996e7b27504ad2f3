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

// Package sideeffects fans a processed activity out to whatever the
// embedding application wants to do with it after storage is committed:
// bump an unread-notification counter, push to a connected client over a
// long-lived stream, and so on. None of it is durable and none of it can
// fail the activity that triggered it; a Notifier is advisory only.
package sideeffects

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dimkr/fedcore/ap"
)

// Event describes an activity a handler has just committed, for a
// Notifier to act on.
type Event struct {
	Activity    *ap.Activity
	RecipientID string
}

// Notifier receives best-effort notice of committed activities. An
// implementation must not block the caller for long and must not treat
// a failure as anything other than a dropped notification.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Broadcaster fans events out to subscribers over buffered channels,
// dropping an event for any subscriber whose channel is full rather than
// blocking the publisher.
type Broadcaster struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{log: log, subs: map[string][]chan Event{}}
}

// Notify implements Notifier, delivering event to every subscriber
// registered for event.RecipientID.
func (b *Broadcaster) Notify(ctx context.Context, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[event.RecipientID] {
		select {
		case ch <- event:
		default:
			b.log.LogAttrs(ctx, slog.LevelWarn, "dropping side effect for slow subscriber", slog.String("recipient", event.RecipientID))
		}
	}
}

// Subscribe registers interest in events addressed to recipientID and
// returns a channel of them along with a cancel func the caller must
// invoke when done listening.
func (b *Broadcaster) Subscribe(recipientID string) (events <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32)
	b.subs[recipientID] = append(b.subs[recipientID], ch)

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[recipientID]
		for i, s := range subs {
			if s == ch {
				b.subs[recipientID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[recipientID]) == 0 {
			delete(b.subs, recipientID)
		}
		close(ch)
	}

	return ch, cancel
}

// NoOp is a Notifier that discards every event, for callers that don't
// need live notifications wired up.
var NoOp Notifier = noOpNotifier{}

type noOpNotifier struct{}

func (noOpNotifier) Notify(context.Context, Event) {}
