// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator turns one user message into a stream of protocol events.
//
// Prepare does everything that can fail before response headers are sent:
// model resolution, history loading, persisting the user turn, context
// reduction and opening the backend stream under the retry supervisor.
// Run.Events then reframes backend fragments into Meta, Token, Done and
// Suggestions events, or a single Error event.
//
// # Usage
//
//	orch := orchestrator.New(orchestrator.DefaultConfig(), dispatcher, store)
//	run, err := orch.Prepare(ctx, userID, orchestrator.Request{UserText: "Hello"})
//	if err != nil {
//	    // orchestrator.AsError(err) carries the code and HTTP status
//	}
//	for ev := range run.Events(ctx) {
//	    enc.Encode(ev)
//	}
package orchestrator

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	convctx "github.com/jeranaias/rigrun-relay/internal/context"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/suggest"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultHistoryLimit is how many stored turns are loaded per request.
	DefaultHistoryLimit = 20

	// DefaultBufferSize bounds the fragment queue between backend and reframer.
	DefaultBufferSize = 64

	// DefaultModel is used when neither the request nor preferences name one.
	DefaultModel = "gpt-4o-mini"
)

// Config holds orchestration settings.
type Config struct {
	DefaultModel string
	SystemPrompt string
	HistoryLimit int
	BufferSize   int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		DefaultModel: DefaultModel,
		SystemPrompt: backend.DefaultSystemPrompt,
		HistoryLimit: DefaultHistoryLimit,
		BufferSize:   DefaultBufferSize,
	}
}

// Request is one user message to orchestrate.
type Request struct {
	ConversationID       string
	UserText             string
	Model                string
	Temperature          *float64
	MaxTokens            int
	SystemPromptOverride string
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator is shared by all requests. It holds only read-only
// collaborators; each Prepare call builds an independent Run.
type Orchestrator struct {
	cfg        Config
	dispatcher *backend.Dispatcher
	store      storage.Store
	context    *convctx.Manager
	supervisor *retry.Supervisor
	suggester  *suggest.Generator
}

// New creates an orchestrator with default context, retry and suggestion
// settings. A nil store disables persistence.
func New(cfg Config, d *backend.Dispatcher, store storage.Store) *Orchestrator {
	def := DefaultConfig()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Orchestrator{
		cfg:        cfg,
		dispatcher: d,
		store:      store,
		context:    convctx.NewManager(convctx.DefaultConfig()),
		supervisor: retry.NewSupervisor(retry.DefaultPolicy()),
		suggester:  suggest.NewGenerator(0),
	}
}

// WithContextManager replaces the context window manager.
func (o *Orchestrator) WithContextManager(m *convctx.Manager) *Orchestrator {
	o.context = m
	return o
}

// WithSupervisor replaces the retry supervisor.
func (o *Orchestrator) WithSupervisor(s *retry.Supervisor) *Orchestrator {
	o.supervisor = s
	return o
}

// WithSuggester replaces the suggestion generator.
func (o *Orchestrator) WithSuggester(g *suggest.Generator) *Orchestrator {
	o.suggester = g
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Dispatcher returns the backend dispatcher.
func (o *Orchestrator) Dispatcher() *backend.Dispatcher {
	return o.dispatcher
}

// =============================================================================
// PREPARE
// =============================================================================

// Prepare runs every step that precedes the first event. Failures are
// returned as *Error values with a code and HTTP status.
func (o *Orchestrator) Prepare(ctx context.Context, userID string, req Request) (*Run, error) {
	start := time.Now()

	text := strings.TrimSpace(req.UserText)
	if text == "" {
		return nil, ValidationError("message must not be empty")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = o.cfg.DefaultModel
	}

	desc, _, err := o.dispatcher.Resolve(modelID)
	if err != nil {
		e := AsError(err)
		e.Details = map[string]any{"supportedModels": o.supportedModels()}
		return nil, e
	}

	var history []model.Turn
	if req.ConversationID != "" {
		if o.store == nil {
			return nil, AsError(storage.ErrNotFound)
		}
		history, err = o.store.ListTurns(ctx, userID, req.ConversationID, o.cfg.HistoryLimit)
		if err != nil {
			return nil, AsError(err)
		}
		if _, err := o.store.AppendTurn(ctx, userID, req.ConversationID, model.RoleUser, text); err != nil {
			log.Printf("TURN_PERSIST_FAILED | conversation=%s role=user error=%v", req.ConversationID, err)
			return nil, AsError(storage.ErrNotFound)
		}
	}

	aux, err := o.dispatcher.Auxiliary(modelID)
	if err != nil {
		return nil, AsError(err)
	}

	built, err := o.context.Build(ctx, history, desc.ContextWindowTokens, convctx.NewLLMSummarizer(aux))
	if err != nil {
		return nil, AsError(err)
	}

	systemPrompt := req.SystemPromptOverride
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = o.cfg.SystemPrompt
	}

	breq := backend.Request{
		Model:       modelID,
		Messages:    backend.Normalize(systemPrompt, built.Turns, text),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	stream, report, err := o.supervisor.Open(streamCtx, func(ctx context.Context) (backend.Stream, error) {
		return o.dispatcher.Dispatch(ctx, breq)
	})
	if err != nil {
		stopStream()
		log.Printf("ORCHESTRATE_FAILED | model=%s attempts=%d error=%v", modelID, report.Attempts, err)
		return nil, AsError(err)
	}

	log.Printf("ORCHESTRATE_START | model=%s conversation=%s history=%d summarized=%t attempts=%d setup=%v",
		modelID, req.ConversationID, len(history), built.WasSummarized, report.Attempts, time.Since(start).Round(time.Millisecond))

	return &Run{
		userID:     userID,
		convID:     req.ConversationID,
		model:      modelID,
		stream:     stream,
		stopStream: stopStream,
		aux:        aux,
		store:      o.store,
		suggester:  o.suggester,
		bufferSize: o.cfg.BufferSize,
		report:     report,
		context:    built,
	}, nil
}

func (o *Orchestrator) supportedModels() []string {
	ids := []string{}
	for _, d := range o.dispatcher.Available() {
		ids = append(ids, d.ID)
	}
	return ids
}
