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

// Package instance tracks what this engine knows about a remote domain:
// whether it's reachable, whether it's blocked or limited by policy, and
// whether it accepted our last delivery attempt.
package instance

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Flag is a per-domain MRF disposition.
type Flag uint

const (
	// FlagReject drops every activity to or from the domain ("blocked").
	FlagReject Flag = 1 << iota
	// FlagSilenced marks the domain as limited. No MRF policy reads it; it
	// exists for the embedding application's own timeline and search
	// filtering.
	FlagSilenced
	// FlagMediaRemoval strips attachments from activities originating there.
	FlagMediaRemoval
	// FlagMediaNsfw marks every embedded object from the domain sensitive.
	FlagMediaNsfw
	// FlagFederatedTimelineRemoval strips the Public address from an
	// activity's audience, demoting it to an unlisted-style post.
	FlagFederatedTimelineRemoval
	// FlagFollowersOnly forces incoming posts private regardless of addressing.
	FlagFollowersOnly
	// FlagReportRemoval rejects incoming Flag (report) activities.
	FlagReportRemoval
	// FlagAvatarRemoval strips an actor's icon on cache refresh.
	FlagAvatarRemoval
	// FlagBannerRemoval strips an actor's image (banner) on cache refresh.
	FlagBannerRemoval
	// FlagRejectDeletes extends FlagReject to also drop Delete activities,
	// which bypass FlagReject on their own.
	FlagRejectDeletes
)

const reloadDelay = time.Second * 5

// Registry records reachability and MRF state for remote domains. State is
// persisted in the instances table; an optional static overlay file
// (loaded once, then hot-reloaded via fsnotify) can additionally mark
// domains as rejected without a database round trip.
type Registry struct {
	db *sql.DB

	overlayMu sync.RWMutex
	overlay   map[string]struct{}
	wildcards []string

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// New builds a Registry backed by db. If overlayPath is non-empty, it's
// loaded as a CSV blocklist (one domain or "*.domain" wildcard per line,
// header row skipped) and watched for changes.
func New(ctx context.Context, log *slog.Logger, db *sql.DB, overlayPath string) (*Registry, error) {
	r := &Registry{db: db}

	if overlayPath == "" {
		return r, nil
	}

	domains, wildcards, err := loadOverlay(overlayPath)
	if err != nil {
		return nil, err
	}
	r.overlay = domains
	r.wildcards = wildcards

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = w

	dir := filepath.Dir(overlayPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	absPath := filepath.Join(dir, filepath.Base(overlayPath))

	timer := time.NewTimer(math.MaxInt64)
	timer.Stop()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					timer.Stop()
					return
				}

				if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && event.Name == absPath {
					timer.Reset(reloadDelay)
				}

			case <-timer.C:
				domains, wildcards, err := loadOverlay(overlayPath)
				if err != nil {
					log.Warn("Failed to reload block list overlay", "path", overlayPath, "error", err)
					continue
				}

				r.overlayMu.Lock()
				r.overlay = domains
				r.wildcards = wildcards
				r.overlayMu.Unlock()
				log.Info("Reloaded block list overlay", "path", overlayPath, "domains", len(domains))

			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	return r, nil
}

func loadOverlay(path string) (map[string]struct{}, []string, error) {
	domains := make(map[string]struct{})
	var wildcards []string

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	c := csv.NewReader(f)
	first := true
	for {
		rec, err := c.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		if first {
			first = false
			continue
		}

		if len(rec) == 0 || rec[0] == "" {
			continue
		}

		if strings.HasPrefix(rec[0], "*.") {
			wildcards = append(wildcards, rec[0][1:])
		} else {
			domains[rec[0]] = struct{}{}
		}
	}

	return domains, wildcards, nil
}

// Close stops the overlay watcher, if any.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()
}

// IsBlocked reports whether domain is blocked, either by the static
// overlay or by a FlagReject MRF entry persisted for it.
func (r *Registry) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if r.overlayBlocks(domain) {
		return true, nil
	}

	var flags int64
	err := r.db.QueryRowContext(ctx, `select flags from instances where domain = ?`, domain).Scan(&flags)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return Flag(flags)&FlagReject != 0, nil
}

func (r *Registry) overlayBlocks(domain string) bool {
	r.overlayMu.RLock()
	defer r.overlayMu.RUnlock()

	if r.overlay != nil {
		if _, ok := r.overlay[domain]; ok {
			return true
		}
	}

	// a "*.foo.com" entry matches "a.foo.com" but not "foo.com" itself: it
	// requires at least one additional label under the suffix.
	for _, suffix := range r.wildcards {
		if strings.HasSuffix(domain, suffix) && len(domain) > len(suffix) && domain[len(domain)-len(suffix)-1] == '.' {
			return true
		}
	}

	return false
}

// Flags returns the persisted MRF flags for domain.
func (r *Registry) Flags(ctx context.Context, domain string) (Flag, error) {
	var flags int64
	err := r.db.QueryRowContext(ctx, `select flags from instances where domain = ?`, domain).Scan(&flags)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return Flag(flags), nil
}

// SetFlags persists flags for domain, replacing any previous value.
func (r *Registry) SetFlags(ctx context.Context, domain string, flags Flag) error {
	_, err := r.db.ExecContext(ctx, `
		insert into instances(domain, flags, updated) values(?, ?, unixepoch())
		on conflict(domain) do update set flags = excluded.flags, updated = excluded.updated
	`, domain, int64(flags))
	return err
}

// RecordUnreachable marks domain as having just failed a delivery or fetch
// attempt: it increments failure_count and, unless the domain is already
// marked unreachable, stamps unreachable_since at t.
func (r *Registry) RecordUnreachable(ctx context.Context, domain string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		insert into instances(domain, failure_count, unreachable_since, updated) values(?, 1, ?, unixepoch())
		on conflict(domain) do update set
			failure_count = failure_count + 1,
			unreachable_since = case when unreachable_since = 0 then excluded.unreachable_since else unreachable_since end,
			updated = excluded.updated
	`, domain, t.Unix())
	return err
}

// RecordReachable clears a domain's unreachability record and resets its
// failure count.
func (r *Registry) RecordReachable(ctx context.Context, domain string) error {
	_, err := r.db.ExecContext(ctx, `
		insert into instances(domain, failure_count, unreachable_since, updated) values(?, 0, 0, unixepoch())
		on conflict(domain) do update set failure_count = 0, unreachable_since = 0, updated = excluded.updated
	`, domain)
	return err
}

// BackoffDuration returns how long a domain with failureCount consecutive
// failures should be left alone before the next retry: 60s doubling per
// failure, capped at 24h.
func BackoffDuration(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	backoff := time.Minute
	for i := 1; i < failureCount && backoff < 24*time.Hour; i++ {
		backoff *= 2
	}
	if backoff > 24*time.Hour {
		backoff = 24 * time.Hour
	}
	return backoff
}

// ShouldRetry reports whether enough time has passed since domain was last
// marked unreachable to attempt another delivery or fetch.
func (r *Registry) ShouldRetry(ctx context.Context, domain string) (bool, error) {
	var failureCount int
	var unreachableSince int64
	err := r.db.QueryRowContext(ctx, `select failure_count, unreachable_since from instances where domain = ?`, domain).Scan(&failureCount, &unreachableSince)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if unreachableSince == 0 {
		return true, nil
	}

	return !time.Now().Before(time.Unix(unreachableSince, 0).Add(BackoffDuration(failureCount))), nil
}

// IsGone reports whether domain has been unreachable continuously for
// longer than maxRecoveryTime, meaning this engine should stop retrying
// deliveries to it until it's seen fresh activity from the domain again.
func (r *Registry) IsGone(ctx context.Context, domain string, maxRecoveryTime time.Duration) (bool, error) {
	var unreachableSince int64
	err := r.db.QueryRowContext(ctx, `select unreachable_since from instances where domain = ?`, domain).Scan(&unreachableSince)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if unreachableSince == 0 {
		return false, nil
	}

	return time.Since(time.Unix(unreachableSince, 0)) > maxRecoveryTime, nil
}
