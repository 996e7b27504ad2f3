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

// Package dispatch leases pending deliveries and sends each one, signed
// with its sender's key, to its recipient inbox. A DomainThrottler bounds
// how much concurrent traffic any single remote domain sees.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dimkr/fedcore/buildinfo"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/httpsig"
	"github.com/dimkr/fedcore/throttle"
)

var userAgent = "fedcore/" + buildinfo.Version

// ErrMaxAttemptsExceeded is recorded against a delivery once it has been
// retried Config.MaxDeliveryAttempts times.
var ErrMaxAttemptsExceeded = errors.New("delivery exceeded its retry budget")

// Client is the subset of [http.Client] dispatch needs.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

// KeyProvider resolves the signing key a local actor uses to sign its
// outgoing requests.
type KeyProvider interface {
	Key(ctx context.Context, actorID string) (httpsig.Key, error)
}

type delivery struct {
	id         int64
	activityID string
	inbox      string
	actorURI   string
	body       string
	attempts   int
}

// Dispatcher leases and sends pending deliveries.
type Dispatcher struct {
	Domain   string
	Config   *cfg.Config
	DB       *sql.DB
	Client   Client
	Keys     KeyProvider
	Throttle *throttle.DomainThrottler
	Workers  int
}

// Run polls for pending deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Config.DeliveryRetryInterval)
	defer ticker.Stop()

	for {
		if _, err := d.ProcessBatch(ctx); err != nil {
			slog.ErrorContext(ctx, "delivery batch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch leases up to Config.DeliveryBatchSize due deliveries and
// sends them, sharding work across Workers goroutines by inbox host so
// a single recipient never gets deliveries out of order.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	deliveries, err := d.lease(ctx, d.Config.DeliveryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to lease deliveries: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	workers := d.Workers
	if workers <= 0 {
		workers = d.Config.DeliveryWorkers
	}
	if workers <= 0 {
		workers = 1
	}

	shards := make([]chan delivery, workers)
	for i := range shards {
		shards[i] = make(chan delivery, len(deliveries))
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range shards {
		go func(ch <-chan delivery) {
			defer wg.Done()
			for dl := range ch {
				d.deliverOne(ctx, dl)
			}
		}(shards[i])
	}

	for _, dl := range deliveries {
		host := inboxHost(dl.inbox)
		shards[crc32.ChecksumIEEE([]byte(host))%uint32(workers)] <- dl
	}
	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()

	return len(deliveries), nil
}

func inboxHost(inbox string) string {
	u, err := url.Parse(inbox)
	if err != nil {
		return inbox
	}
	return u.Host
}

func (d *Dispatcher) lease(ctx context.Context, n int) ([]delivery, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT deliveries.id, deliveries.activity_id, deliveries.inbox_url, activities.actor_uri, json(activities.data), deliveries.attempts
		 FROM deliveries JOIN activities ON activities.activity_id = deliveries.activity_id
		 WHERE deliveries.status = 'pending' AND (deliveries.next_retry_at IS NULL OR deliveries.next_retry_at <= unixepoch())
		 ORDER BY deliveries.id ASC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, err
	}

	var out []delivery
	for rows.Next() {
		var dl delivery
		if err := rows.Scan(&dl.id, &dl.activityID, &dl.inbox, &dl.actorURI, &dl.body, &dl.attempts); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	ids := make([]any, len(out))
	placeholders := make([]string, len(out))
	for i, dl := range out {
		ids[i] = dl.id
		placeholders[i] = "?"
	}
	if len(out) > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE deliveries SET status = 'sending' WHERE id IN (%s)`, strings.Join(placeholders, ",")), ids...); err != nil {
			return nil, err
		}
	}

	return out, tx.Commit()
}

func (d *Dispatcher) deliverOne(ctx context.Context, dl delivery) {
	host := inboxHost(dl.inbox)

	if d.Throttle != nil && !d.Throttle.Ready(host) {
		d.requeue(ctx, dl.id, time.Minute)
		return
	}

	var release func()
	if d.Throttle != nil {
		r, err := d.Throttle.Acquire(ctx, host)
		if err != nil {
			d.requeue(ctx, dl.id, time.Minute)
			return
		}
		release = r
		defer release()
	}

	key, err := d.Keys.Key(ctx, dl.actorURI)
	if err != nil {
		slog.WarnContext(ctx, "no signing key for sender, discarding delivery", "actor", dl.actorURI, "delivery", dl.id, "error", err)
		d.fail(ctx, dl.id, dl.attempts, err)
		return
	}

	if err := d.send(ctx, key, dl); err != nil {
		if d.Throttle != nil {
			d.Throttle.RecordFailure(host)
		}
		d.fail(ctx, dl.id, dl.attempts, err)
		return
	}

	if d.Throttle != nil {
		d.Throttle.RecordSuccess(host)
	}
	d.complete(ctx, dl.id)
}

func (d *Dispatcher) send(ctx context.Context, key httpsig.Key, dl delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.Config.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.inbox, strings.NewReader(dl.body))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", dl.inbox, err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)

	if err := httpsig.Sign(req, key, time.Now()); err != nil {
		return fmt.Errorf("failed to sign request for %s: %w", dl.inbox, err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s to %s: %w", dl.activityID, dl.inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to deliver %s to %s: status %d", dl.activityID, dl.inbox, resp.StatusCode)
	}

	return nil
}

func (d *Dispatcher) complete(ctx context.Context, id int64) {
	if _, err := d.DB.ExecContext(ctx, `UPDATE deliveries SET status = 'delivered' WHERE id = ?`, id); err != nil {
		slog.ErrorContext(ctx, "failed to mark delivery complete", "delivery", id, "error", err)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, id int64, after time.Duration) {
	if _, err := d.DB.ExecContext(ctx, `UPDATE deliveries SET status = 'pending', next_retry_at = unixepoch() + ? WHERE id = ?`, int64(after.Seconds()), id); err != nil {
		slog.ErrorContext(ctx, "failed to requeue throttled delivery", "delivery", id, "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, id int64, attempts int, cause error) {
	attempts++
	if attempts >= d.Config.MaxDeliveryAttempts {
		if _, err := d.DB.ExecContext(ctx, `UPDATE deliveries SET status = 'discarded', attempts = ?, error_message = ? WHERE id = ?`, attempts, fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, cause).Error(), id); err != nil {
			slog.ErrorContext(ctx, "failed to discard delivery", "delivery", id, "error", err)
		}
		return
	}

	backoff := d.Config.DeliveryBaseBackoff << uint(min(attempts-1, 20))
	if backoff <= 0 || backoff > d.Config.DeliveryMaxBackoff {
		backoff = d.Config.DeliveryMaxBackoff
	}

	if _, err := d.DB.ExecContext(
		ctx,
		`UPDATE deliveries SET status = 'pending', attempts = ?, next_retry_at = unixepoch() + ?, error_message = ? WHERE id = ?`,
		attempts, int64(backoff.Seconds()), cause.Error(), id,
	); err != nil {
		slog.ErrorContext(ctx, "failed to schedule delivery retry", "delivery", id, "error", err)
	}
}
