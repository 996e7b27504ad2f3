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

// Package throttle bounds concurrent outgoing requests to a single remote
// domain and backs off from domains that keep failing.
package throttle

import (
	"context"
	"sync"
	"time"
)

type domainState struct {
	sem chan struct{}

	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
}

// DomainThrottler gates concurrent delivery requests per remote domain, and
// applies exponential backoff to domains with recent failures.
type DomainThrottler struct {
	maxConcurrent int
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	mu      sync.Mutex
	domains map[string]*domainState
}

func New(maxConcurrent int, baseBackoff, maxBackoff time.Duration) *DomainThrottler {
	return &DomainThrottler{
		maxConcurrent: maxConcurrent,
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		domains:       make(map[string]*domainState),
	}
}

func (t *DomainThrottler) state(domain string) *domainState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.domains[domain]
	if !ok {
		s = &domainState{sem: make(chan struct{}, t.maxConcurrent)}
		t.domains[domain] = s
	}
	return s
}

// Ready reports whether domain is not presently in a backoff window.
func (t *DomainThrottler) Ready(domain string) bool {
	s := t.state(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.nextAttempt)
}

// Acquire blocks until a concurrency slot for domain is available or ctx
// is cancelled, and returns a release closure that must be called exactly
// once regardless of whether the guarded operation succeeded.
func (t *DomainThrottler) Acquire(ctx context.Context, domain string) (func(), error) {
	s := t.state(domain)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		<-s.sem
	}

	return release, nil
}

// RecordSuccess clears a domain's failure count and backoff window.
func (t *DomainThrottler) RecordSuccess(domain string) {
	s := t.state(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.nextAttempt = time.Time{}
}

// RecordFailure increases a domain's failure count and schedules its next
// backoff window using exponential backoff capped at maxBackoff.
func (t *DomainThrottler) RecordFailure(domain string) {
	s := t.state(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++

	backoff := t.baseBackoff << uint(min(s.failures-1, 30))
	if backoff <= 0 || backoff > t.maxBackoff {
		backoff = t.maxBackoff
	}

	s.nextAttempt = time.Now().Add(backoff)
}
