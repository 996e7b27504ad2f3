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

package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/httpsig"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	responses map[string]int
	requests  []string
}

func (c *fakeClient) Do(r *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, r.URL.String())
	status, ok := c.responses[r.URL.String()]
	if !ok {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

type fakeKeys struct {
	key httpsig.Key
}

func (k *fakeKeys) Key(ctx context.Context, actorID string) (httpsig.Key, error) {
	return k.key, nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "fedcore-*.sqlite3")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := sql.Open("sqlite3", f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`create table activities(
		id integer primary key autoincrement,
		activity_id string not null unique,
		activity_type string not null,
		actor_uri string not null,
		object_id string,
		data jsonb not null,
		local integer not null default 0
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`create table deliveries(
		id integer primary key autoincrement,
		activity_id string not null references activities(activity_id) on delete cascade,
		inbox_url string not null,
		status string not null default 'pending',
		attempts integer not null default 0,
		last_attempt_at integer,
		next_retry_at integer,
		error_message string,
		unique(activity_id, inbox_url)
	)`)
	require.NoError(t, err)

	return db
}

func testKey() httpsig.Key {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	return httpsig.Key{ID: "https://local.example/users/alice#main-key", PrivateKey: priv}
}

func seedDelivery(t *testing.T, db *sql.DB, activityID, actorURI, inbox string) {
	t.Helper()
	_, err := db.Exec(`insert into activities(activity_id, activity_type, actor_uri, object_id, data) values (?, 'Follow', ?, null, jsonb(?))`, activityID, actorURI, `{"id":"`+activityID+`"}`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into deliveries(activity_id, inbox_url) values (?, ?)`, activityID, inbox)
	require.NoError(t, err)
}

func TestDispatcher_ProcessBatch_MarksDelivered(t *testing.T) {
	db := newTestDB(t)
	seedDelivery(t, db, "https://local.example/activities/1", "https://local.example/users/alice", "https://remote.example/inbox")

	var config cfg.Config
	config.FillDefaults()

	client := &fakeClient{responses: map[string]int{}}
	d := &Dispatcher{Domain: "local.example", Config: &config, DB: db, Client: client, Keys: &fakeKeys{key: testKey()}, Workers: 2}

	n, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	var status string
	assert.NoError(t, db.QueryRow(`select status from deliveries where activity_id = ?`, "https://local.example/activities/1").Scan(&status))
	assert.Equal(t, "delivered", status)
}

func TestDispatcher_ProcessBatch_RetriesOnFailure(t *testing.T) {
	db := newTestDB(t)
	seedDelivery(t, db, "https://local.example/activities/2", "https://local.example/users/alice", "https://remote.example/inbox")

	var config cfg.Config
	config.FillDefaults()
	config.MaxDeliveryAttempts = 3

	client := &fakeClient{responses: map[string]int{"https://remote.example/inbox": http.StatusInternalServerError}}
	d := &Dispatcher{Domain: "local.example", Config: &config, DB: db, Client: client, Keys: &fakeKeys{key: testKey()}, Workers: 1}

	_, err := d.ProcessBatch(context.Background())
	assert.NoError(t, err)

	var status string
	var attempts int
	assert.NoError(t, db.QueryRow(`select status, attempts from deliveries where activity_id = ?`, "https://local.example/activities/2").Scan(&status, &attempts))
	assert.Equal(t, "pending", status)
	assert.Equal(t, 1, attempts)
}

func TestDispatcher_ProcessBatch_DiscardsAfterMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`insert into activities(activity_id, activity_type, actor_uri, object_id, data) values (?, 'Follow', ?, null, jsonb(?))`, "https://local.example/activities/3", "https://local.example/users/alice", `{}`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into deliveries(activity_id, inbox_url, attempts) values (?, ?, ?)`, "https://local.example/activities/3", "https://remote.example/inbox", 2)
	require.NoError(t, err)

	var config cfg.Config
	config.FillDefaults()
	config.MaxDeliveryAttempts = 3

	client := &fakeClient{responses: map[string]int{"https://remote.example/inbox": http.StatusInternalServerError}}
	d := &Dispatcher{Domain: "local.example", Config: &config, DB: db, Client: client, Keys: &fakeKeys{key: testKey()}, Workers: 1}

	_, err = d.ProcessBatch(context.Background())
	assert.NoError(t, err)

	var status string
	assert.NoError(t, db.QueryRow(`select status from deliveries where activity_id = ?`, "https://local.example/activities/3").Scan(&status))
	assert.Equal(t, "discarded", status)
}
