// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	convctx "github.com/jeranaias/rigrun-relay/internal/context"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
	"github.com/jeranaias/rigrun-relay/internal/retry"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/suggest"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the reframer lifecycle position.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateFinalizing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateStreaming:
		return "Streaming"
	case StateFinalizing:
		return "Finalizing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run is one prepared orchestration. Events may be called once.
type Run struct {
	userID     string
	convID     string
	model      string
	stream     backend.Stream
	stopStream context.CancelFunc
	aux        backend.Completer
	store      storage.Store
	suggester  *suggest.Generator
	bufferSize int
	report     retry.Report
	context    convctx.Result

	once  sync.Once
	mu    sync.Mutex
	state State
}

// Model returns the resolved model id.
func (r *Run) Model() string { return r.model }

// ConversationID returns the conversation the run persists into, or "".
func (r *Run) ConversationID() string { return r.convID }

// Attempts returns how many stream opens the supervisor needed.
func (r *Run) Attempts() int { return r.report.Attempts }

// Summarized reports whether history was condensed for this run.
func (r *Run) Summarized() bool { return r.context.WasSummarized }

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Close releases the backend stream. It is only needed when Events is never
// called; Events closes the stream itself.
func (r *Run) Close() error {
	var err error
	r.once.Do(func() {
		r.setState(StateClosed)
		r.stopStream()
		err = r.stream.Close()
	})
	return err
}

// fragment is one item handed from the producer to the reframer.
type fragment struct {
	text string
	err  error
}

// Events starts the reframer and returns its event channel. The channel is
// closed after the last event. Canceling ctx stops the run without any
// further event and without persisting the partial response.
func (r *Run) Events(ctx context.Context) <-chan protocol.Event {
	out := make(chan protocol.Event)
	started := false
	r.once.Do(func() { started = true })
	if !started {
		close(out)
		return out
	}
	go r.reframe(ctx, out)
	return out
}

// produce pushes backend fragments onto frags until EOF, error or cancel.
// It is the only caller of Recv and closes the stream when it returns.
func produce(ctx context.Context, s backend.Stream, frags chan<- fragment) {
	defer s.Close()
	for {
		text, err := s.Recv()
		f := fragment{text: text, err: err}
		select {
		case frags <- f:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Run) reframe(ctx context.Context, out chan<- protocol.Event) {
	start := time.Now()
	defer close(out)
	defer r.setState(StateClosed)

	prodCtx, cancel := context.WithCancel(ctx)
	frags := make(chan fragment, r.bufferSize)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		produce(prodCtx, r.stream, frags)
	}()
	defer func() {
		cancel()
		r.stopStream()
		<-producerDone
	}()

	emit := func(ev protocol.Event) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	canceled := func(stage string) {
		log.Printf("STREAM_CANCELED | model=%s conversation=%s stage=%s elapsed=%v",
			r.model, r.convID, stage, time.Since(start).Round(time.Millisecond))
	}

	if !emit(protocol.MetaEvent{ConversationID: r.convID, Model: r.model}) {
		canceled(StateInit.String())
		return
	}
	r.setState(StateStreaming)

	var full strings.Builder
	tokens := 0
	for {
		var f fragment
		select {
		case <-ctx.Done():
			canceled(StateStreaming.String())
			return
		case f = <-frags:
		}

		if f.err != nil {
			if errors.Is(f.err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				canceled(StateStreaming.String())
				return
			}
			ev := streamError(f.err)
			log.Printf("STREAM_ERROR | model=%s conversation=%s tokens=%d code=%s error=%v", r.model, r.convID, tokens, ev.Code, f.err)
			emit(ev)
			return
		}

		if f.text == "" {
			continue
		}
		full.WriteString(f.text)
		tokens++
		if !emit(protocol.TokenEvent{Delta: f.text}) {
			canceled(StateStreaming.String())
			return
		}
	}

	r.setState(StateFinalizing)
	if !emit(protocol.DoneEvent{}) {
		canceled(StateFinalizing.String())
		return
	}

	text := full.String()
	r.persistAssistant(context.WithoutCancel(ctx), text)

	suggestions := r.suggester.Generate(ctx, r.aux, text)
	if ctx.Err() != nil {
		canceled(StateFinalizing.String())
		return
	}
	emit(protocol.SuggestionsEvent{Items: suggestions})

	log.Printf("STREAM_COMPLETE | model=%s conversation=%s tokens=%d chars=%d elapsed=%v",
		r.model, r.convID, tokens, len(text), time.Since(start).Round(time.Millisecond))
}

// persistAssistant stores the completed response once. Failures are logged;
// the client already has the full text.
func (r *Run) persistAssistant(ctx context.Context, text string) {
	if r.convID == "" || r.store == nil {
		return
	}
	if _, err := r.store.AppendTurn(ctx, r.userID, r.convID, model.RoleAssistant, text); err != nil {
		log.Printf("TURN_PERSIST_FAILED | conversation=%s role=assistant error=%v", r.convID, err)
	}
}
