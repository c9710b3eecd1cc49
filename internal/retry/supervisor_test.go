// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/backend"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeStream struct {
	items   []string
	failAt  int // index at which Recv fails, -1 for never
	failErr error
	pos     int
	closed  bool
}

func (f *fakeStream) Recv() (string, error) {
	if f.failAt >= 0 && f.pos == f.failAt {
		return "", f.failErr
	}
	if f.pos >= len(f.items) {
		return "", io.EOF
	}
	f.pos++
	return f.items[f.pos-1], nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// readAll drains a stream into a string and closes it.
func readAll(s backend.Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}

// scripted returns an OpenFunc that fails with errs in order, then succeeds.
func scripted(errs []error, items ...string) (OpenFunc, *int) {
	calls := 0
	return func(ctx context.Context) (backend.Stream, error) {
		calls++
		if calls <= len(errs) {
			return nil, errs[calls-1]
		}
		return &fakeStream{items: items, failAt: -1}, nil
	}, &calls
}

// recordSleep captures requested delays without waiting.
func recordSleep(got *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*got = append(*got, d)
		return ctx.Err()
	}
}

var transient = &backend.Error{Kind: backend.KindTransient, Message: "503"}

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(10), "delay should be capped at MaxDelay")
}

// =============================================================================
// SUPERVISOR TESTS
// =============================================================================

func TestOpen_TransientTwiceThenSuccess(t *testing.T) {
	var slept []time.Duration
	sup := NewSupervisor(DefaultPolicy()).WithSleep(recordSleep(&slept))
	open, calls := scripted([]error{transient, transient}, "Hel", "lo")

	stream, report, err := sup.Open(context.Background(), open)
	require.NoError(t, err)

	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, report.Delays)
	assert.Equal(t, report.Delays, slept)

	text, err := readAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text, "first fragment must be replayed exactly once")
}

func TestOpen_AuthErrorNotRetried(t *testing.T) {
	var slept []time.Duration
	sup := NewSupervisor(DefaultPolicy()).WithSleep(recordSleep(&slept))
	open, calls := scripted([]error{&backend.Error{Kind: backend.KindAuth}})

	_, report, err := sup.Open(context.Background(), open)

	require.ErrorIs(t, err, backend.ErrAuth)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, slept)
}

func TestOpen_NonRetryableKinds(t *testing.T) {
	kinds := []backend.Kind{
		backend.KindUnsupportedModel,
		backend.KindConfiguration,
		backend.KindRateLimited,
		backend.KindModelUnavailable,
	}
	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			var slept []time.Duration
			sup := NewSupervisor(DefaultPolicy()).WithSleep(recordSleep(&slept))
			open, calls := scripted([]error{&backend.Error{Kind: k}})

			_, report, err := sup.Open(context.Background(), open)
			require.Error(t, err)
			assert.Equal(t, 1, *calls)
			assert.Equal(t, 1, report.Attempts)
		})
	}
}

func TestOpen_ExhaustsRetries(t *testing.T) {
	var slept []time.Duration
	sup := NewSupervisor(DefaultPolicy()).WithSleep(recordSleep(&slept))
	last := &backend.Error{Kind: backend.KindTransient, Message: "last"}
	open, calls := scripted([]error{transient, transient, transient, last})

	_, report, err := sup.Open(context.Background(), open)

	assert.Same(t, last, err, "the last error should surface")
	assert.Equal(t, 4, *calls)
	assert.Equal(t, 4, report.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, slept)
}

func TestOpen_FirstFragmentFailureIsSetup(t *testing.T) {
	var slept []time.Duration
	sup := NewSupervisor(DefaultPolicy()).WithSleep(recordSleep(&slept))

	var streams []*fakeStream
	open := func(ctx context.Context) (backend.Stream, error) {
		s := &fakeStream{items: []string{"ok"}, failAt: -1}
		if len(streams) == 0 {
			s.failAt = 0
			s.failErr = transient
		}
		streams = append(streams, s)
		return s, nil
	}

	stream, report, err := sup.Open(context.Background(), open)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.True(t, streams[0].closed, "failed stream should be closed")

	text, _ := readAll(stream)
	assert.Equal(t, "ok", text)
}

func TestOpen_MidStreamFailureNotRetried(t *testing.T) {
	sup := NewSupervisor(DefaultPolicy()).WithSleep(func(context.Context, time.Duration) error {
		t.Fatal("no retry expected after the first fragment")
		return nil
	})

	calls := 0
	open := func(ctx context.Context) (backend.Stream, error) {
		calls++
		return &fakeStream{items: []string{"a", "b"}, failAt: 1, failErr: transient}, nil
	}

	stream, _, err := sup.Open(context.Background(), open)
	require.NoError(t, err)

	frag, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", frag)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, backend.ErrTransient)
	assert.Equal(t, 1, calls)
}

func TestOpen_EmptyStreamIsSuccess(t *testing.T) {
	sup := NewSupervisor(DefaultPolicy())
	open, _ := scripted(nil)

	stream, report, err := sup.Open(context.Background(), open)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempts)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestOpen_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := NewSupervisor(DefaultPolicy())
	open := func(ctx context.Context) (backend.Stream, error) {
		cancel()
		return nil, transient
	}

	start := time.Now()
	_, report, err := sup.Open(ctx, open)

	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	assert.Equal(t, 1, report.Attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation should abort the backoff wait")
}

func TestOpen_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open, calls := scripted(nil, "x")

	_, _, err := NewSupervisor(DefaultPolicy()).Open(ctx, open)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, *calls)
}
