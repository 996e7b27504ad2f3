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

package fetch

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

type testResponse struct {
	Response *http.Response
	Error    error
}

type testClient struct {
	sync.Mutex
	Data map[string]testResponse
}

func newTestResponse(statusCode int, body string) *http.Response {
	buf := []byte(body)
	return &http.Response{
		StatusCode:    statusCode,
		ContentLength: int64(len(buf)),
		Body:          io.NopCloser(bytes.NewReader(buf)),
	}
}

func (c *testClient) Do(r *http.Request) (*http.Response, error) {
	u := r.URL.String()
	c.Lock()
	defer c.Unlock()
	resp, ok := c.Data[u]
	if !ok {
		panic("no response for " + u)
	}
	delete(c.Data, u)
	return resp.Response, resp.Error
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

	return db
}

func testKey(t *testing.T) httpsig.Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return httpsig.Key{ID: "https://a.b/users/alice#main-key", PrivateKey: priv}
}

func TestFetcher_Resolve_Caches(t *testing.T) {
	db := newTestDB(t)

	client := &testClient{Data: map[string]testResponse{
		"https://b.c/.well-known/webfinger?resource=acct:bob@b.c": {
			Response: newTestResponse(http.StatusOK, `{"subject":"acct:bob@b.c","links":[{"rel":"self","type":"application/activity+json","href":"https://b.c/users/bob"}]}`),
		},
		"https://b.c/users/bob": {
			Response: newTestResponse(http.StatusOK, `{"id":"https://b.c/users/bob","type":"Person","preferredUsername":"bob","inbox":"https://b.c/users/bob/inbox"}`),
		},
	}}

	var config cfg.Config
	config.FillDefaults()
	config.Domain = "a.b"

	f := New("a.b", &config, client, db, nil)

	actor, err := f.Resolve(context.Background(), testKey(t), "https://b.c/users/bob")
	assert.NoError(t, err)
	assert.Equal(t, "https://b.c/users/bob", actor.ID)

	var cachedCount int
	assert.NoError(t, db.QueryRow(`select count(*) from actors where id = ?`, actor.ID).Scan(&cachedCount))
	assert.Equal(t, 1, cachedCount)
}

func TestFetcher_Resolve_RejectsHTTP(t *testing.T) {
	db := newTestDB(t)

	var config cfg.Config
	config.FillDefaults()

	f := New("a.b", &config, &testClient{Data: map[string]testResponse{}}, db, nil)

	_, err := f.Resolve(context.Background(), testKey(t), "http://b.c/users/bob")
	assert.ErrorIs(t, err, ErrInvalidScheme)
}

func TestFetcher_Resolve_RejectsLoopback(t *testing.T) {
	db := newTestDB(t)

	var config cfg.Config
	config.FillDefaults()

	f := New("a.b", &config, &testClient{Data: map[string]testResponse{}}, db, nil)

	_, err := f.Resolve(context.Background(), testKey(t), "https://127.0.0.1/users/bob")
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestFetcher_Resolve_RejectsLocalDomain(t *testing.T) {
	db := newTestDB(t)

	var config cfg.Config
	config.FillDefaults()

	f := New("a.b", &config, &testClient{Data: map[string]testResponse{}}, db, nil)

	_, err := f.Resolve(context.Background(), testKey(t), "https://a.b/users/bob")
	assert.ErrorIs(t, err, ErrInvalidID)
}
