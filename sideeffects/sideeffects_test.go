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

package sideeffects

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/dimkr/fedcore/ap"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcaster_DeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())

	events, cancel := b.Subscribe("https://local.example/users/alice")
	defer cancel()

	activity := &ap.Activity{ID: "https://remote.example/activities/1", Type: ap.Like}
	b.Notify(context.Background(), Event{Activity: activity, RecipientID: "https://local.example/users/alice"})

	select {
	case got := <-events:
		assert.Equal(t, activity.ID, got.Activity.ID)
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestBroadcaster_IgnoresOtherRecipients(t *testing.T) {
	b := NewBroadcaster(testLogger())

	events, cancel := b.Subscribe("https://local.example/users/alice")
	defer cancel()

	b.Notify(context.Background(), Event{
		Activity:    &ap.Activity{ID: "https://remote.example/activities/1"},
		RecipientID: "https://local.example/users/bob",
	})

	select {
	case <-events:
		t.Fatal("did not expect an event for a different recipient")
	default:
	}
}

func TestBroadcaster_DropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroadcaster(testLogger())

	events, cancel := b.Subscribe("https://local.example/users/alice")
	defer cancel()

	for i := 0; i < 64; i++ {
		b.Notify(context.Background(), Event{
			Activity:    &ap.Activity{ID: "https://remote.example/activities/1"},
			RecipientID: "https://local.example/users/alice",
		})
	}

	// Draining should yield at most the channel's capacity worth of
	// events; excess notifications were dropped rather than blocking.
	count := 0
	for {
		select {
		case <-events:
			count++
		default:
			assert.LessOrEqual(t, count, 32)
			return
		}
	}
}

func TestBroadcaster_CancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster(testLogger())

	events, cancel := b.Subscribe("https://local.example/users/alice")
	cancel()

	_, ok := <-events
	assert.False(t, ok)
}

func TestNoOp_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		NoOp.Notify(context.Background(), Event{Activity: &ap.Activity{ID: "x"}, RecipientID: "y"})
	})
}
