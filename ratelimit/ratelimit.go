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

// Package ratelimit implements token-bucket request throttling for the
// inbox endpoint, keyed by remote IP and by remote domain, plus a global
// bucket shared by all inbound requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits inbound requests before they reach [inboxqueue.InboxQueue].
type Limiter struct {
	r     rate.Limit
	burst int

	global *rate.Limiter

	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

func New(perSecond float64, burst int) *Limiter {
	return &Limiter{
		r:      rate.Limit(perSecond),
		burst:  burst,
		global: rate.NewLimiter(rate.Limit(perSecond)*10, burst*10),
		keys:   make(map[string]*entry),
	}
}

// Allow reports whether a request keyed by key (typically "ip:1.2.3.4" or
// "domain:example.com") is allowed right now, consuming a token from both
// its own bucket and the shared global bucket if so.
func (l *Limiter) Allow(key string) bool {
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.keys[key] = e
	}
	e.lastUse = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Prune drops per-key limiters that have been idle for longer than ttl, so
// the map doesn't grow unbounded with one-off remote hosts.
func (l *Limiter) Prune(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.keys {
		if e.lastUse.Before(cutoff) {
			delete(l.keys, k)
		}
	}
}
