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

// Package refstore is a minimal, single-process reference implementation
// of every interface in [handlers] (MessageStore, InteractionStore,
// FollowStore, BlockStore, ReportStore, LocalActors), backed by the
// ref_* tables this module's own migrations create. It exists so
// cmd/fedcore is runnable end to end out of the box; an application
// embedding this engine for real is expected to supply its own storage
// that plugs into its existing user/post tables instead.
package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/handlers"
)

// Store implements handlers.MessageStore, handlers.InteractionStore,
// handlers.FollowStore, handlers.BlockStore, handlers.ReportStore and
// handlers.LocalActors over a single SQLite database.
type Store struct {
	DB *sql.DB
}

func (s *Store) Create(ctx context.Context, msg *handlers.Message) (bool, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return false, err
	}

	res, err := s.DB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO ref_messages(activity_id, sender_actor_id, content, name, content_warning, sensitive, visibility, reply_to_id, attachments, published)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, jsonb(?), ?)`,
		msg.ActivityID, msg.SenderActorID, msg.Content, nullIfEmpty(msg.Name), nullIfEmpty(msg.ContentWarning), msg.Sensitive, string(msg.Visibility), nullIfEmpty(msg.ReplyToID), string(attachments), msg.Published.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ActivityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (s *Store) FindByActivityID(ctx context.Context, activityID string) (*handlers.Message, error) {
	var msg handlers.Message
	var name, cw, replyTo sql.NullString
	var visibility string
	var attachments []byte
	var published int64
	var editedAt sql.NullInt64

	err := s.DB.QueryRowContext(
		ctx,
		`SELECT activity_id, sender_actor_id, content, name, content_warning, sensitive, visibility, reply_to_id, json(attachments), published, edited_at
		 FROM ref_messages WHERE activity_id = ? AND deleted = 0`,
		activityID,
	).Scan(&msg.ActivityID, &msg.SenderActorID, &msg.Content, &name, &cw, &msg.Sensitive, &visibility, &replyTo, &attachments, &published, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	msg.Name = name.String
	msg.ContentWarning = cw.String
	msg.ReplyToID = replyTo.String
	msg.Visibility = handlers.Visibility(visibility)
	msg.Published = time.Unix(published, 0).UTC()
	if editedAt.Valid {
		msg.EditedAt = time.Unix(editedAt.Int64, 0).UTC()
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func (s *Store) IncrementReplyCount(ctx context.Context, parentActivityID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ref_messages SET reply_count = reply_count + 1 WHERE activity_id = ?`, parentActivityID)
	return err
}

func (s *Store) Update(ctx context.Context, activityID, content, name, contentWarning string, editedAt time.Time) error {
	_, err := s.DB.ExecContext(
		ctx,
		`UPDATE ref_messages SET content = ?, name = ?, content_warning = ?, edited_at = ? WHERE activity_id = ?`,
		content, nullIfEmpty(name), nullIfEmpty(contentWarning), editedAt.Unix(), activityID,
	)
	return err
}

func (s *Store) SoftDelete(ctx context.Context, activityID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ref_messages SET deleted = 1 WHERE activity_id = ?`, activityID)
	return err
}

func (s *Store) Record(ctx context.Context, kind handlers.InteractionKind, activityID, messageActivityID, actorID, emoji string) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO ref_interactions(kind, activity_id, message_activity_id, actor_id, emoji) VALUES(?, ?, ?, ?, ?)`,
		string(kind), activityID, messageActivityID, actorID, nullIfEmpty(emoji),
	)
	return err
}

func (s *Store) Remove(ctx context.Context, kind handlers.InteractionKind, messageActivityID, actorID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM ref_interactions WHERE kind = ? AND message_activity_id = ? AND actor_id = ?`, string(kind), messageActivityID, actorID)
	return err
}

func (s *Store) RecordShare(ctx context.Context, activityID, messageActivityID, actorID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO ref_shares(message_activity_id, actor_id, activity_id) VALUES(?, ?, ?)`, messageActivityID, actorID, activityID)
	return err
}

func (s *Store) RemoveShare(ctx context.Context, messageActivityID, actorID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM ref_shares WHERE message_activity_id = ? AND actor_id = ?`, messageActivityID, actorID)
	return err
}

func (s *Store) CreatePending(ctx context.Context, followActivityID, followerActorID, followedID string, local bool) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT INTO ref_follows(follow_activity_id, follower_actor_id, followed_actor_id, local, status) VALUES(?, ?, ?, ?, 'pending')
		 ON CONFLICT(follower_actor_id, followed_actor_id) DO UPDATE SET follow_activity_id = excluded.follow_activity_id, status = 'pending'`,
		followActivityID, followerActorID, followedID, local,
	)
	return err
}

func (s *Store) Activate(ctx context.Context, followActivityID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE ref_follows SET status = 'active' WHERE follow_activity_id = ?`, followActivityID)
	if err != nil {
		return err
	}
	return checkFollowMatched(res, followActivityID)
}

func (s *Store) FindByActivityID(ctx context.Context, followActivityID string) (string, string, error) {
	var follower, followed string
	err := s.DB.QueryRowContext(ctx, `SELECT follower_actor_id, followed_actor_id FROM ref_follows WHERE follow_activity_id = ?`, followActivityID).Scan(&follower, &followed)
	return follower, followed, err
}

func (s *Store) FindByParticipants(ctx context.Context, followerActorID, followedID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT follow_activity_id FROM ref_follows WHERE follower_actor_id = ? AND followed_actor_id = ?`, followerActorID, followedID).Scan(&id)
	return id, err
}

func (s *Store) Delete(ctx context.Context, followActivityID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM ref_follows WHERE follow_activity_id = ?`, followActivityID)
	return err
}

func (s *Store) ListActiveFollowers(ctx context.Context, followedID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT follower_actor_id FROM ref_follows WHERE followed_actor_id = ? AND status = 'active'`, followedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Block(ctx context.Context, blockerActorID, blockedActorID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO ref_blocks(blocker_actor_id, blocked_actor_id) VALUES(?, ?)`, blockerActorID, blockedActorID)
	return err
}

func (s *Store) Unblock(ctx context.Context, blockerActorID, blockedActorID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM ref_blocks WHERE blocker_actor_id = ? AND blocked_actor_id = ?`, blockerActorID, blockedActorID)
	return err
}

func (s *Store) CreateReport(ctx context.Context, reporterActorID string, targetURIs []string, content string) error {
	targets, err := json.Marshal(targetURIs)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(
		ctx,
		`INSERT INTO ref_reports(reporter_actor_id, target_uris, content, created_at) VALUES(?, jsonb(?), ?, unixepoch())`,
		reporterActorID, string(targets), nullIfEmpty(content),
	)
	return err
}

func (s *Store) IsLocal(ctx context.Context, actorID string) (bool, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM ref_local_users WHERE actor_id = ?`, actorID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ManuallyApprovesFollowers(ctx context.Context, actorID string) (bool, error) {
	var manual bool
	err := s.DB.QueryRowContext(ctx, `SELECT manually_approves_followers FROM ref_local_users WHERE actor_id = ?`, actorID).Scan(&manual)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return manual, err
}

func (s *Store) ActorByID(ctx context.Context, actorID string) (*ap.Actor, error) {
	return s.lookup(ctx, `SELECT json(actor) FROM ref_local_users WHERE actor_id = ?`, actorID)
}

func (s *Store) ActorByUsername(ctx context.Context, username string) (*ap.Actor, error) {
	return s.lookup(ctx, `SELECT json(actor) FROM ref_local_users WHERE preferred_username = ?`, username)
}

func (s *Store) lookup(ctx context.Context, query, arg string) (*ap.Actor, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, handlers.ErrActorNotFound
	} else if err != nil {
		return nil, err
	}

	var actor ap.Actor
	if err := json.Unmarshal([]byte(raw), &actor); err != nil {
		return nil, err
	}
	return &actor, nil
}

// CreateLocalActor registers a new locally-hosted actor, e.g. during
// user signup in the embedding application's own flow.
func (s *Store) CreateLocalActor(ctx context.Context, actor *ap.Actor, manuallyApprovesFollowers bool) error {
	j, err := json.Marshal(actor)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(
		ctx,
		`INSERT INTO ref_local_users(actor_id, preferred_username, manually_approves_followers, actor) VALUES(?, ?, ?, jsonb(?))`,
		actor.ID, actor.PreferredUsername, manuallyApprovesFollowers, string(j),
	)
	return err
}

func checkFollowMatched(res sql.Result, followActivityID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("follow %s not found", followActivityID)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
