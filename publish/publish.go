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

// Package publish persists an outgoing activity and expands its audience
// into one delivery row per recipient inbox. Signing and the actual POST
// belong to dispatch, which leases deliveries this package inserts.
package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/fetch"
	"github.com/dimkr/fedcore/handlers"
	"github.com/dimkr/fedcore/httpsig"
)

// Publisher persists activities produced locally (by a handler reacting
// to an incoming activity, or by the embedding application's own outbox)
// and fans them out to recipient inboxes.
type Publisher struct {
	Domain  string
	DB      *sql.DB
	Fetcher *fetch.Fetcher
	Follows handlers.FollowStore
	Key     httpsig.Key
}

// Publish stores activity and inserts a pending delivery row for every
// inbox in its expanded audience. It never blocks on network access
// beyond resolving unfamiliar recipients, which dispatch would otherwise
// have to do on the hot delivery path.
func (p *Publisher) Publish(ctx context.Context, actorID string, activity *ap.Activity) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity %s: %w", activity.ID, err)
	}

	objectID := objectIDOf(activity)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", activity.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO activities(activity_id, activity_type, actor_uri, object_id, data, local) VALUES(?, ?, ?, ?, jsonb(?), 1)`,
		activity.ID, string(activity.Type), actorID, objectID, string(body),
	); err != nil {
		return fmt.Errorf("failed to store activity %s: %w", activity.ID, err)
	}

	inboxes, err := p.expand(ctx, actorID, activity)
	if err != nil {
		return fmt.Errorf("failed to expand audience for %s: %w", activity.ID, err)
	}

	for inbox := range inboxes {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO deliveries(activity_id, inbox_url) VALUES(?, ?)`,
			activity.ID, inbox,
		); err != nil {
			return fmt.Errorf("failed to queue delivery of %s to %s: %w", activity.ID, inbox, err)
		}
	}

	return tx.Commit()
}

func objectIDOf(activity *ap.Activity) sql.NullString {
	switch v := activity.Object.(type) {
	case *ap.Object:
		return sql.NullString{String: v.ID, Valid: true}
	case *ap.Activity:
		return sql.NullString{String: v.ID, Valid: true}
	case string:
		return sql.NullString{String: v, Valid: v != ""}
	default:
		return sql.NullString{}
	}
}

// expand resolves activity's audience into a set of recipient inboxes,
// using each recipient's shared inbox when the delivery is wide (public,
// or addressed to the sender's followers collection) to avoid delivering
// the same activity to the same remote server more than once.
func (p *Publisher) expand(ctx context.Context, actorID string, activity *ap.Activity) (map[string]struct{}, error) {
	followersURL := actorID + "/followers"

	recipients := ap.Audience{}
	for _, id := range activity.To.Keys() {
		recipients.Add(id)
	}
	for _, id := range activity.CC.Keys() {
		recipients.Add(id)
	}

	wide := activity.IsPublic() || recipients.Contains(followersURL)

	actorIDs := ap.Audience{}
	for _, id := range recipients.Keys() {
		if id == ap.Public || id == followersURL || id == actorID {
			continue
		}
		actorIDs.Add(id)
	}

	if wide {
		followers, err := p.Follows.ListActiveFollowers(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("failed to list followers of %s: %w", actorID, err)
		}
		for _, f := range followers {
			actorIDs.Add(f)
		}
	}

	inboxes := make(map[string]struct{}, len(actorIDs.OrderedMap))
	for _, id := range actorIDs.Keys() {
		actor, err := p.Fetcher.Resolve(ctx, p.Key, id)
		if err != nil {
			slog.WarnContext(ctx, "failed to resolve recipient, skipping", "recipient", id, "activity", activity.ID, "error", err)
			continue
		}

		if actor.ID == actorID {
			continue
		}

		inbox := actor.Inbox
		if wide {
			if shared := actor.SharedInbox(); shared != "" {
				inbox = shared
			}
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}

	return inboxes, nil
}
