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

package publish

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/fetch"
	"github.com/dimkr/fedcore/httpsig"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	Data map[string]string
}

func (c *testClient) Do(r *http.Request) (*http.Response, error) {
	body, ok := c.Data[r.URL.String()]
	if !ok {
		panic("no response for " + r.URL.String())
	}
	return &http.Response{StatusCode: http.StatusOK, ContentLength: int64(len(body)), Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

type fakeFollows struct {
	followers []string
}

func (f *fakeFollows) CreatePending(ctx context.Context, followActivityID, followerActorID, followedID string, local bool) error {
	return nil
}
func (f *fakeFollows) Activate(ctx context.Context, followActivityID string) error { return nil }
func (f *fakeFollows) FindByActivityID(ctx context.Context, followActivityID string) (string, string, error) {
	return "", "", nil
}
func (f *fakeFollows) FindByParticipants(ctx context.Context, followerActorID, followedID string) (string, error) {
	return "", nil
}
func (f *fakeFollows) Delete(ctx context.Context, followActivityID string) error { return nil }
func (f *fakeFollows) ListActiveFollowers(ctx context.Context, followedID string) ([]string, error) {
	return f.followers, nil
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

	_, err = db.Exec(`create table actors(id string primary key, host string not null, actor jsonb not null, fetched integer, updated integer not null)`)
	require.NoError(t, err)

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
		unique(activity_id, inbox_url)
	)`)
	require.NoError(t, err)

	return db
}

func testKey() httpsig.Key {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	return httpsig.Key{ID: "https://local.example/users/alice#main-key", PrivateKey: priv}
}

func TestPublisher_Publish_DirectRecipient(t *testing.T) {
	db := newTestDB(t)

	client := &testClient{Data: map[string]string{
		"https://remote.example/users/bob": `{"id":"https://remote.example/users/bob","type":"Person","preferredUsername":"bob","inbox":"https://remote.example/users/bob/inbox"}`,
	}}

	var config cfg.Config
	config.FillDefaults()
	config.Domain = "local.example"

	f := fetch.New("local.example", &config, client, db, nil)
	p := &Publisher{Domain: "local.example", DB: db, Fetcher: f, Follows: &fakeFollows{}, Key: testKey()}

	var to ap.Audience
	to.Add("https://remote.example/users/bob")

	activity := &ap.Activity{ID: "https://local.example/activities/1", Type: ap.Follow, Actor: "https://local.example/users/alice", Object: "https://remote.example/users/bob", To: to}

	assert.NoError(t, p.Publish(context.Background(), "https://local.example/users/alice", activity))

	var count int
	assert.NoError(t, db.QueryRow(`select count(*) from deliveries where activity_id = ? and inbox_url = ?`, activity.ID, "https://remote.example/users/bob/inbox").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPublisher_Publish_WideUsesSharedInbox(t *testing.T) {
	db := newTestDB(t)

	client := &testClient{Data: map[string]string{
		"https://remote.example/users/bob": `{"id":"https://remote.example/users/bob","type":"Person","preferredUsername":"bob","inbox":"https://remote.example/users/bob/inbox","endpoints":{"sharedInbox":"https://remote.example/inbox"}}`,
	}}

	var config cfg.Config
	config.FillDefaults()
	config.Domain = "local.example"

	f := fetch.New("local.example", &config, client, db, nil)
	p := &Publisher{Domain: "local.example", DB: db, Fetcher: f, Follows: &fakeFollows{followers: []string{"https://remote.example/users/bob"}}, Key: testKey()}

	var to, cc ap.Audience
	to.Add(ap.Public)
	cc.Add("https://local.example/users/alice/followers")

	activity := &ap.Activity{
		ID:     "https://local.example/activities/2",
		Type:   ap.Create,
		Actor:  "https://local.example/users/alice",
		Object: &ap.Object{ID: "https://local.example/notes/1", Type: ap.Note, Content: "hi"},
		To:     to,
		CC:     cc,
	}

	assert.NoError(t, p.Publish(context.Background(), "https://local.example/users/alice", activity))

	var inbox string
	assert.NoError(t, db.QueryRow(`select inbox_url from deliveries where activity_id = ?`, activity.ID).Scan(&inbox))
	assert.Equal(t, "https://remote.example/inbox", inbox)
}
