// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit provides the gateway's two admission checks: a
// sliding-window request-rate limit and a cap on concurrently pending
// approvals. The two are independent so a flood of auto-allowed requests
// cannot exhaust the messenger, and a flood of ask-worthy requests cannot
// exhaust the chat backend.
package ratelimit

import (
	"sync"
	"time"

	"github.com/agentpass/agentgate/pkg/config"
)

// Limiter enforces both rate-limit dimensions. Safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	cfg        config.RateLimitConfig
	window     time.Duration
	timestamps []time.Time // accepted requests inside the window
	pending    int         // currently outstanding ask approvals
	now        func() time.Time
}

// New creates a limiter from validated config.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:    cfg,
		window: time.Minute,
		now:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// AllowRequest records an incoming tool_request against the sliding window
// and reports whether it is admitted. Rejected requests are not recorded.
func (l *Limiter) AllowRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Drop timestamps that fell out of the window.
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept

	if len(l.timestamps) >= l.cfg.MaxRequestsPerMinute {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	return true
}

// AcquirePending reserves a pending-approval slot, reporting false when the
// cap is reached.
func (l *Limiter) AcquirePending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending >= l.cfg.MaxPendingApprovals {
		return false
	}
	l.pending++
	return true
}

// RestorePending takes a slot unconditionally. Used when re-arming durable
// approvals at startup, which must be tracked even past the cap.
func (l *Limiter) RestorePending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending++
}

// ReleasePending returns a slot after a pending approval resolves.
func (l *Limiter) ReleasePending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending > 0 {
		l.pending--
	}
}

// Pending reports the number of currently outstanding approvals.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}
