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

// Package fetch resolves remote actors by WebFinger and ID, caching the
// result, and fetches remote collections a page at a time.
package fetch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/buildinfo"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/httpsig"
	"github.com/dimkr/fedcore/instance"
	"github.com/dimkr/fedcore/lock"
)

var userAgent = "fedcore/" + buildinfo.Version

var (
	ErrActorGone      = errors.New("actor is gone")
	ErrBlockedDomain  = errors.New("domain is blocked")
	ErrInvalidScheme  = errors.New("invalid scheme")
	ErrInvalidHost    = errors.New("invalid host")
	ErrInvalidID      = errors.New("invalid actor ID")
	ErrTooYoung       = errors.New("actor is too young to trust")
	ErrResponseTooBig = errors.New("response is too big")
)

// Client is the subset of [http.Client] a [Fetcher] needs, so tests can
// substitute a fake transport.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

type webFingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Fetcher resolves and caches remote actors over HTTP, signing every
// outgoing request with the local instance's key.
type Fetcher struct {
	Domain   string
	Config   *cfg.Config
	Client   Client
	DB       *sql.DB
	Registry *instance.Registry

	locks []lock.Lock
}

// New returns a [Fetcher] with its de-duplication lock pool sized per
// cfg.ResolverLockBuckets.
func New(domain string, config *cfg.Config, client Client, db *sql.DB, registry *instance.Registry) *Fetcher {
	f := &Fetcher{
		Domain:   domain,
		Config:   config,
		Client:   client,
		DB:       db,
		Registry: registry,
		locks:    make([]lock.Lock, config.ResolverLockBuckets),
	}
	for i := range f.locks {
		f.locks[i] = lock.New()
	}
	return f
}

// guardURL rejects requests that would let a malicious response redirect
// this engine into fetching from itself or the local network.
func guardURL(u *url.URL) error {
	if u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrInvalidScheme, u.Scheme)
	}

	host := u.Hostname()
	if host == "localhost" || host == "localhost.localdomain" {
		return fmt.Errorf("%w: %s", ErrInvalidHost, host)
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()) {
		return fmt.Errorf("%w: %s", ErrInvalidHost, host)
	}

	return nil
}

// Get issues a signed GET request for url, validating its scheme and host
// before sending anything over the wire.
func (f *Fetcher) Get(ctx context.Context, key httpsig.Key, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}

	if err := guardURL(req.URL); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)

	if err := httpsig.Sign(req, key, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request for %s: %w", rawURL, err)
	}

	slog.Debug("Fetching", "url", rawURL)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		if resp.ContentLength > f.Config.MaxResponseBodySize {
			return resp, fmt.Errorf("failed to fetch %s: %d, %w", rawURL, resp.StatusCode, ErrResponseTooBig)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, f.Config.MaxResponseBodySize))
		if readErr != nil {
			return resp, fmt.Errorf("failed to fetch %s: %d, %w", rawURL, resp.StatusCode, readErr)
		}
		return resp, fmt.Errorf("failed to fetch %s: %d, %s", rawURL, resp.StatusCode, string(body))
	}

	return resp, nil
}

// Resolve retrieves an actor by its ID, returning a cached copy when it's
// still fresh and fetching over the network otherwise.
func (f *Fetcher) Resolve(ctx context.Context, key httpsig.Key, id string) (*ap.Actor, error) {
	u, err := url.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", id, err)
	}

	if err := guardURL(u); err != nil {
		return nil, err
	}

	name := path.Base(u.Path)
	name = strings.TrimPrefix(name, "@")

	return f.resolve(ctx, key, u.Host, name)
}

func (f *Fetcher) resolve(ctx context.Context, key httpsig.Key, host, name string) (*ap.Actor, error) {
	if host == f.Domain {
		return nil, fmt.Errorf("cannot resolve local actor %s@%s: %w", name, host, ErrInvalidID)
	}

	if f.Registry != nil {
		blocked, err := f.Registry.IsBlocked(ctx, host)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrBlockedDomain
		}
	}

	l := f.locks[crc32.ChecksumIEEE([]byte(host+"@"+name))%uint32(len(f.locks))]
	if err := l.Lock(ctx); err != nil {
		return nil, err
	}
	defer l.Unlock()

	cached, fetchedAt, updatedAt, err := f.cached(ctx, host, name)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		fresh := time.Since(updatedAt) < f.Config.ResolverCacheTTL
		retryDue := fetchedAt.IsZero() || time.Since(fetchedAt) >= f.Config.ResolverRetryInterval
		if fresh || !retryDue {
			return cached, nil
		}
	}

	actor, err := f.fetch(ctx, key, host, name, cached)
	if err != nil {
		if cached != nil {
			slog.Warn("Using stale cache entry after refresh failure", "host", host, "name", name, "error", err)
			return cached, nil
		}
		return nil, err
	}

	return actor, nil
}

func (f *Fetcher) cached(ctx context.Context, host, name string) (*ap.Actor, time.Time, time.Time, error) {
	var actor ap.Actor
	var updated int64
	var fetched sql.NullInt64

	err := f.DB.QueryRowContext(
		ctx,
		`select actor, updated, fetched from actors where actor->>'$.preferredUsername' = ? and host = ?`,
		name,
		host,
	).Scan(&actor, &updated, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("failed to read cached actor %s@%s: %w", name, host, err)
	}

	var fetchedAt time.Time
	if fetched.Valid {
		fetchedAt = time.Unix(fetched.Int64, 0)
	}

	return &actor, fetchedAt, time.Unix(updated, 0), nil
}

func (f *Fetcher) fetch(ctx context.Context, key httpsig.Key, host, name string, cached *ap.Actor) (*ap.Actor, error) {
	finger := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", host, name, host)

	resp, err := f.Get(ctx, key, finger)
	if err != nil {
		if cached != nil && f.Registry != nil {
			if recErr := f.Registry.RecordUnreachable(ctx, host, time.Now()); recErr != nil {
				slog.Warn("Failed to record unreachable domain", "host", host, "error", recErr)
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	var wf webFingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, f.Config.MaxResponseBodySize)).Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", finger, err)
	}

	var profile string
	for _, link := range wf.Links {
		if link.Rel != "self" {
			continue
		}
		if link.Type != "application/activity+json" && link.Type != `application/ld+json; profile="https://www.w3.org/ns/activitystreams"` {
			continue
		}
		if link.Href != "" {
			profile = link.Href
			break
		}
	}

	if profile == "" {
		return nil, fmt.Errorf("no profile link in %s", finger)
	}

	if cached != nil && profile != cached.ID {
		return nil, fmt.Errorf("%s does not match cached ID %s", profile, cached.ID)
	}

	profileURL, err := url.Parse(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", profile, err)
	}
	if profileURL.Host != host && !strings.HasSuffix(profileURL.Host, "."+host) {
		return nil, fmt.Errorf("actor link host is %s: %w", profileURL.Host, ErrInvalidHost)
	}

	resp, err = f.Get(ctx, key, profile)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound) {
			if cached != nil {
				f.forget(ctx, cached.ID)
			}
			return nil, fmt.Errorf("failed to fetch %s: %w", profile, ErrActorGone)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.Config.MaxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", profile, err)
	}

	var actor ap.Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", profile, err)
	}

	if actor.ID != profile {
		return nil, fmt.Errorf("%s does not match %s", actor.ID, profile)
	}

	if actor.Published == nil && cached != nil {
		actor.Published = cached.Published
	} else if actor.Published == nil {
		actor.Published = &ap.Time{Time: time.Now()}
	}

	if f.Config.MinActorAge > 0 && cached == nil && time.Since(actor.Published.Time) < f.Config.MinActorAge {
		return nil, ErrTooYoung
	}

	if f.Registry != nil {
		flags, err := f.Registry.Flags(ctx, host)
		if err != nil {
			return nil, err
		}
		if flags&instance.FlagAvatarRemoval != 0 {
			actor.Icon = nil
		}
		if flags&instance.FlagBannerRemoval != 0 {
			actor.Image = nil
		}
	}

	if _, err := f.DB.ExecContext(
		ctx,
		`insert into actors(id, host, actor, fetched, updated) values(?, ?, ?, unixepoch(), unixepoch())
		 on conflict(id) do update set actor = excluded.actor, fetched = excluded.fetched, updated = excluded.updated`,
		actor.ID,
		host,
		&actor,
	); err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", actor.ID, err)
	}

	if f.Registry != nil {
		if err := f.Registry.RecordReachable(ctx, host); err != nil {
			slog.Warn("Failed to record reachable domain", "host", host, "error", err)
		}
	}

	return &actor, nil
}

func (f *Fetcher) forget(ctx context.Context, id string) {
	if _, err := f.DB.ExecContext(ctx, `delete from actors where id = ?`, id); err != nil {
		slog.Warn("Failed to delete gone actor", "id", id, "error", err)
	}
}

// Page fetches one page of an OrderedCollection or OrderedCollectionPage,
// returning its items and the URL of the next page, if any. pageURL may be
// a Collection's "first" link or a previous page's "next" link.
func (f *Fetcher) Page(ctx context.Context, key httpsig.Key, pageURL string) ([]json.RawMessage, string, error) {
	resp, err := f.Get(ctx, key, pageURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.Config.MaxResponseBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	var page struct {
		Type         string          `json:"type"`
		Next         string          `json:"next"`
		First        string          `json:"first"`
		OrderedItems json.RawMessage `json:"orderedItems"`
		Items        json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal %s: %w", pageURL, err)
	}

	raw := page.OrderedItems
	if len(raw) == 0 {
		raw = page.Items
	}

	if page.Type == string(ap.OrderedCollection) && len(raw) == 0 {
		if page.First == "" {
			return nil, "", nil
		}
		return f.Page(ctx, key, page.First)
	}

	var items []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal items in %s: %w", pageURL, err)
		}
	}

	return items, page.Next, nil
}
