// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/backend"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy bounds the retry loop.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt (default: 3)
	MaxRetries int

	// BaseDelay is the first backoff delay (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps any single delay (default: 30s)
	MaxDelay time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff before retry number n (0-based): base * 2^n.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := p.BaseDelay * time.Duration(1<<uint(n))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// OpenFunc opens one backend stream.
type OpenFunc func(ctx context.Context) (backend.Stream, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Report records what the supervisor did for one call.
type Report struct {
	Attempts int
	Delays   []time.Duration
}

// Supervisor retries stream setup. It holds no per-call state and is safe
// for concurrent use.
type Supervisor struct {
	policy Policy
	sleep  SleepFunc
}

// NewSupervisor creates a supervisor. Zero fields in p take their defaults.
func NewSupervisor(p Policy) *Supervisor {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return &Supervisor{policy: p, sleep: sleepContext}
}

// WithSleep replaces the wait function. Used by tests.
func (s *Supervisor) WithSleep(fn SleepFunc) *Supervisor {
	s.sleep = fn
	return s
}

// Policy returns the effective policy.
func (s *Supervisor) Policy() Policy {
	return s.policy
}

// Open calls open and reads the first fragment, retrying transient failures
// of either step. The returned stream replays that fragment before passing
// through. A stream that ends without any fragment is a valid empty result.
func (s *Supervisor) Open(ctx context.Context, open OpenFunc) (backend.Stream, Report, error) {
	var report Report
	var lastErr error

	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.policy.Delay(attempt - 1)
			report.Delays = append(report.Delays, delay)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, report, err
			}
		}

		report.Attempts++
		stream, err := setup(ctx, open)
		if err == nil {
			if attempt > 0 {
				log.Printf("RETRY_RECOVERED | attempts=%d", report.Attempts)
			}
			return stream, report, nil
		}

		lastErr = err
		if !backend.IsRetryable(err) {
			return nil, report, err
		}
		log.Printf("RETRY_SETUP_FAILED | attempt=%d max=%d error=%v", report.Attempts, s.policy.MaxRetries+1, err)
	}

	log.Printf("RETRY_EXHAUSTED | attempts=%d error=%v", report.Attempts, lastErr)
	return nil, report, lastErr
}

// setup opens a stream and peeks its first fragment.
func setup(ctx context.Context, open OpenFunc) (backend.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := open(ctx)
	if err != nil {
		return nil, err
	}

	first, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return &primedStream{inner: stream}, nil
	}
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &primedStream{inner: stream, first: first, pending: true}, nil
}

// sleepContext waits for d unless ctx is done first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// PRIMED STREAM
// =============================================================================

// primedStream replays the fragment read during setup.
type primedStream struct {
	inner   backend.Stream
	first   string
	pending bool
}

func (p *primedStream) Recv() (string, error) {
	if p.pending {
		p.pending = false
		return p.first, nil
	}
	return p.inner.Recv()
}

func (p *primedStream) Close() error {
	return p.inner.Close()
}
