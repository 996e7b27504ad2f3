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

// Package relay subscribes this instance to, and accepts activities
// relayed through, other servers' relay actors, following the same
// Follow/Accept handshake Mastodon and Pleroma relays use: a Follow whose
// object is the public collection rather than an actor, sent directly to
// the relay's inbox instead of being addressed through normal delivery.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/fetch"
	"github.com/dimkr/fedcore/httpsig"
)

// ErrUnknownSubscription is returned for an Accept/Reject referencing a
// follow activity this instance never sent.
var ErrUnknownSubscription = errors.New("unknown relay subscription")

// Manager tracks this instance's outgoing relay subscriptions.
type Manager struct {
	Domain  string
	Actor   string
	Key     httpsig.Key
	DB      *sql.DB
	Fetcher *fetch.Fetcher
	NewID   func(prefix string) string
}

// follow builds a relay-convention Follow: addressed directly to the
// relay, with [ap.Public] as its object rather than an actor IRI.
func (m *Manager) follow(id, relayActorID string) *ap.Activity {
	var to ap.Audience
	to.Add(relayActorID)

	return &ap.Activity{
		ID:     id,
		Type:   ap.Follow,
		Actor:  m.Actor,
		Object: ap.Public,
		To:     to,
	}
}

// Subscribe sends a relay-convention Follow to relayURI's inbox and
// records the subscription as pending until an Accept or Reject arrives.
func (m *Manager) Subscribe(ctx context.Context, relayURI string) error {
	actor, err := m.Fetcher.Resolve(ctx, m.Key, relayURI)
	if err != nil {
		return fmt.Errorf("failed to resolve relay %s: %w", relayURI, err)
	}

	id := m.NewID("follow")
	follow := m.follow(id, actor.ID)

	if _, err := m.DB.ExecContext(
		ctx,
		`INSERT INTO relay_subscriptions(relay_uri, follow_activity_id, status, relay_inbox, accepted)
		 VALUES(?, ?, 'pending', ?, 0)
		 ON CONFLICT(relay_uri) DO UPDATE SET follow_activity_id = excluded.follow_activity_id, status = 'pending', relay_inbox = excluded.relay_inbox, accepted = 0`,
		relayURI, id, actor.Inbox,
	); err != nil {
		return fmt.Errorf("failed to record relay subscription to %s: %w", relayURI, err)
	}

	return m.deliver(ctx, actor.Inbox, follow)
}

// Unsubscribe sends Undo(Follow) to the relay and marks the subscription
// inactive regardless of whether delivery succeeds, since the relay will
// eventually notice deliveries stop and age the follow out itself.
func (m *Manager) Unsubscribe(ctx context.Context, relayURI string) error {
	var followActivityID, inbox string
	if err := m.DB.QueryRowContext(ctx, `SELECT follow_activity_id, relay_inbox FROM relay_subscriptions WHERE relay_uri = ?`, relayURI).Scan(&followActivityID, &inbox); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownSubscription, relayURI)
		}
		return err
	}

	undo := &ap.Activity{
		ID:     m.NewID("undo"),
		Type:   ap.Undo,
		Actor:  m.Actor,
		Object: m.follow(followActivityID, relayURI),
	}

	if _, err := m.DB.ExecContext(ctx, `UPDATE relay_subscriptions SET status = 'unsubscribed', accepted = 0 WHERE relay_uri = ?`, relayURI); err != nil {
		return fmt.Errorf("failed to mark subscription to %s unsubscribed: %w", relayURI, err)
	}

	return m.deliver(ctx, inbox, undo)
}

// HandleAccept marks the subscription whose Follow the relay is
// acknowledging as active.
func (m *Manager) HandleAccept(ctx context.Context, followActivityID string) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE relay_subscriptions SET status = 'accepted', accepted = 1 WHERE follow_activity_id = ?`, followActivityID)
	if err != nil {
		return err
	}
	return checkMatched(res, followActivityID)
}

// HandleReject marks the subscription whose Follow the relay declined.
func (m *Manager) HandleReject(ctx context.Context, followActivityID string) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE relay_subscriptions SET status = 'rejected', accepted = 0 WHERE follow_activity_id = ?`, followActivityID)
	if err != nil {
		return err
	}
	return checkMatched(res, followActivityID)
}

func checkMatched(res sql.Result, followActivityID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, followActivityID)
	}
	return nil
}

// ActiveInboxes returns the inboxes of every relay this instance has an
// accepted subscription with, for broadcasting public activities through
// them in addition to normal follower delivery.
func (m *Manager) ActiveInboxes(ctx context.Context) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT relay_inbox FROM relay_subscriptions WHERE accepted = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func (m *Manager) deliver(ctx context.Context, inbox string, activity *ap.Activity) error {
	_, err := m.DB.ExecContext(
		ctx,
		`INSERT INTO activities(activity_id, activity_type, actor_uri, object_id, data, local) VALUES(?, ?, ?, NULL, jsonb(?), 1)
		 ON CONFLICT(activity_id) DO NOTHING`,
		activity.ID, string(activity.Type), m.Actor, mustMarshal(activity),
	)
	if err != nil {
		return fmt.Errorf("failed to store relay activity %s: %w", activity.ID, err)
	}

	_, err = m.DB.ExecContext(ctx, `INSERT OR IGNORE INTO deliveries(activity_id, inbox_url) VALUES(?, ?)`, activity.ID, inbox)
	if err != nil {
		return fmt.Errorf("failed to queue relay activity %s to %s: %w", activity.ID, inbox, err)
	}
	return nil
}

func mustMarshal(activity *ap.Activity) string {
	buf, err := activity.Value()
	if err != nil {
		panic(err)
	}
	s, _ := buf.(string)
	return s
}
