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

package refstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/handlers"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"database/sql"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "fedcore-*.sqlite3")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := sql.Open("sqlite3", f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE ref_messages(
			activity_id STRING PRIMARY KEY, sender_actor_id STRING NOT NULL, content STRING NOT NULL,
			name STRING, content_warning STRING, sensitive INTEGER NOT NULL DEFAULT 0, visibility STRING NOT NULL,
			reply_to_id STRING, reply_count INTEGER NOT NULL DEFAULT 0, attachments JSONB,
			published INTEGER NOT NULL, edited_at INTEGER, deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE ref_interactions(
			id INTEGER PRIMARY KEY AUTOINCREMENT, kind STRING NOT NULL, activity_id STRING NOT NULL,
			message_activity_id STRING NOT NULL, actor_id STRING NOT NULL, emoji STRING
		)`,
		`CREATE UNIQUE INDEX refinteractionsuniq ON ref_interactions(kind, message_activity_id, actor_id)`,
		`CREATE TABLE ref_shares(message_activity_id STRING NOT NULL, actor_id STRING NOT NULL, activity_id STRING NOT NULL, PRIMARY KEY(message_activity_id, actor_id))`,
		`CREATE TABLE ref_follows(
			follow_activity_id STRING PRIMARY KEY, follower_actor_id STRING NOT NULL, followed_actor_id STRING NOT NULL,
			local INTEGER NOT NULL DEFAULT 0, status STRING NOT NULL DEFAULT 'pending'
		)`,
		`CREATE UNIQUE INDEX reffollowsparticipants ON ref_follows(follower_actor_id, followed_actor_id)`,
		`CREATE TABLE ref_blocks(blocker_actor_id STRING NOT NULL, blocked_actor_id STRING NOT NULL, PRIMARY KEY(blocker_actor_id, blocked_actor_id))`,
		`CREATE TABLE ref_reports(id INTEGER PRIMARY KEY AUTOINCREMENT, reporter_actor_id STRING NOT NULL, target_uris JSONB NOT NULL, content STRING, created_at INTEGER NOT NULL)`,
		`CREATE TABLE ref_local_users(actor_id STRING PRIMARY KEY, preferred_username STRING NOT NULL UNIQUE, manually_approves_followers INTEGER NOT NULL DEFAULT 0, actor JSONB NOT NULL)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	return db
}

func TestStore_Message_CreateFindUpdateDelete(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	msg := &handlers.Message{
		ActivityID:    "https://remote.example/notes/1",
		SenderActorID: "https://remote.example/users/alice",
		Content:       "hello",
		Visibility:    handlers.VisibilityPublic,
		Published:     time.Now(),
	}

	created, err := s.Create(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	createdAgain, err := s.Create(ctx, msg)
	require.NoError(t, err)
	assert.False(t, createdAgain)

	found, err := s.FindByActivityID(ctx, msg.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "hello", found.Content)

	require.NoError(t, s.Update(ctx, msg.ActivityID, "edited", "", "", time.Now()))
	found, err = s.FindByActivityID(ctx, msg.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, "edited", found.Content)

	require.NoError(t, s.SoftDelete(ctx, msg.ActivityID))
	found, err = s.FindByActivityID(ctx, msg.ActivityID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStore_IncrementReplyCount(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	msg := &handlers.Message{ActivityID: "https://remote.example/notes/1", SenderActorID: "a", Visibility: handlers.VisibilityPublic, Published: time.Now()}
	_, err := s.Create(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.IncrementReplyCount(ctx, msg.ActivityID))

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT reply_count FROM ref_messages WHERE activity_id = ?`, msg.ActivityID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStore_Interactions_RecordAndRemove(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, handlers.InteractionLike, "https://remote.example/likes/1", "https://remote.example/notes/1", "https://remote.example/users/bob", ""))
	require.NoError(t, s.Remove(ctx, handlers.InteractionLike, "https://remote.example/notes/1", "https://remote.example/users/bob"))

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM ref_interactions`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestStore_Follow_Lifecycle(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	follower := "https://remote.example/users/bob"
	followed := "https://local.example/users/alice"
	followID := "https://remote.example/activities/follow/1"

	require.NoError(t, s.CreatePending(ctx, followID, follower, followed, false))
	require.NoError(t, s.Activate(ctx, followID))

	gotFollower, gotFollowed, err := s.FindByActivityID(ctx, followID)
	require.NoError(t, err)
	assert.Equal(t, follower, gotFollower)
	assert.Equal(t, followed, gotFollowed)

	active, err := s.ListActiveFollowers(ctx, followed)
	require.NoError(t, err)
	assert.Equal(t, []string{follower}, active)

	require.NoError(t, s.Delete(ctx, followID))
	active, err = s.ListActiveFollowers(ctx, followed)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_LocalActors_ResolvesByUsernameAndID(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	actor := &ap.Actor{ID: "https://local.example/users/alice", PreferredUsername: "alice"}
	require.NoError(t, s.CreateLocalActor(ctx, actor, true))

	isLocal, err := s.IsLocal(ctx, actor.ID)
	require.NoError(t, err)
	assert.True(t, isLocal)

	manual, err := s.ManuallyApprovesFollowers(ctx, actor.ID)
	require.NoError(t, err)
	assert.True(t, manual)

	byUsername, err := s.ActorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, actor.ID, byUsername.ID)

	byID, err := s.ActorByID(ctx, actor.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.PreferredUsername)

	_, err = s.ActorByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, handlers.ErrActorNotFound)
}

func TestStore_Blocks(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "https://local.example/users/alice", "https://remote.example/users/troll"))
	require.NoError(t, s.Unblock(ctx, "https://local.example/users/alice", "https://remote.example/users/troll"))

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM ref_blocks`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestStore_CreateReport(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	ctx := context.Background()

	require.NoError(t, s.CreateReport(ctx, "https://remote.example/users/bob", []string{"https://local.example/notes/1"}, "spam"))

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM ref_reports`).Scan(&count))
	assert.Equal(t, 1, count)
}
