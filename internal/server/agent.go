// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
)

// ============================================================================
// AGENT REQUEST
// ============================================================================

// AgentRequest is the body of POST /v1/agent.
type AgentRequest struct {
	ConversationID       string   `json:"conversationId"`
	Message              string   `json:"message"`
	Model                string   `json:"model"`
	Temperature          *float64 `json:"temperature"`
	MaxTokens            *int     `json:"maxTokens"`
	SystemPromptOverride string   `json:"systemPromptOverride"`

	// SystemPromptOverrides is accepted as an alias for older clients.
	SystemPromptOverrides string `json:"systemPromptOverrides"`
}

// toRequest validates and normalizes the body. Text is NFC-normalized so
// visually identical input is stored and searched identically.
func (a AgentRequest) toRequest() (orchestrator.Request, *orchestrator.Error) {
	msg := norm.NFC.String(a.Message)
	if strings.TrimSpace(msg) == "" {
		e := orchestrator.ValidationError("Message cannot be empty")
		e.Details = map[string]any{"field": "message"}
		return orchestrator.Request{}, e
	}
	if utf8.RuneCountInString(msg) > MaxMessageLength {
		e := orchestrator.ValidationError("Message exceeds %d characters", MaxMessageLength)
		e.Details = map[string]any{"field": "message"}
		return orchestrator.Request{}, e
	}

	req := orchestrator.Request{
		ConversationID: strings.TrimSpace(a.ConversationID),
		UserText:       msg,
		Model:          strings.TrimSpace(a.Model),
	}

	if a.Temperature != nil {
		t := *a.Temperature
		if t < MinTemperature {
			t = MinTemperature
		}
		if t > MaxTemperature {
			t = MaxTemperature
		}
		req.Temperature = &t
	}

	if a.MaxTokens != nil {
		switch n := *a.MaxTokens; {
		case n <= 0:
			e := orchestrator.ValidationError("maxTokens must be positive")
			e.Details = map[string]any{"field": "maxTokens"}
			return orchestrator.Request{}, e
		case n > MaxTokensLimit:
			e := orchestrator.ValidationError("maxTokens must not exceed %d", MaxTokensLimit)
			e.Details = map[string]any{"field": "maxTokens"}
			return orchestrator.Request{}, e
		default:
			req.MaxTokens = n
		}
	}

	override := a.SystemPromptOverride
	if override == "" {
		override = a.SystemPromptOverrides
	}
	req.SystemPromptOverride = strings.TrimSpace(norm.NFC.String(override))

	return req, nil
}

// ============================================================================
// AGENT HANDLER
// ============================================================================

// handleAgent handles POST /v1/agent. Failures before the first event are
// JSON errors; everything after is carried in the event stream.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserIDFrom(ctx)
	atomic.AddInt64(&s.stats.AgentRequests, 1)

	var body AgentRequest
	if e := decodeJSON(w, r, s.maxBody, &body); e != nil {
		s.reject(w, e)
		return
	}
	req, e := body.toRequest()
	if e != nil {
		s.reject(w, e)
		return
	}

	if len(s.providerErrors) > 0 {
		s.reject(w, &orchestrator.Error{
			Code:    orchestrator.CodeConfiguration,
			Status:  http.StatusInternalServerError,
			Message: "Server configuration error",
			Details: map[string]any{"errors": s.providerErrors},
		})
		return
	}

	s.applyPreferences(ctx, userID, &req)

	run, err := s.orch.Prepare(ctx, userID, req)
	if err != nil {
		s.reject(w, orchestrator.AsError(err))
		return
	}
	defer run.Close()

	s.stream(w, r, run)
}

// applyPreferences fills the model and temperature from the user's saved
// preferences when the request leaves them out.
func (s *Server) applyPreferences(ctx context.Context, userID string, req *orchestrator.Request) {
	if req.Model != "" && req.Temperature != nil {
		return
	}
	prefs, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		log.Printf("PREFERENCES_UNAVAILABLE | user=%s error=%v", userID, err)
		return
	}
	if req.Model == "" && prefs.DefaultModel != "" {
		req.Model = prefs.DefaultModel
	}
	if req.Temperature == nil {
		t := prefs.Temperature
		req.Temperature = &t
	}
}

// stream writes run's events until the run ends or the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, run *orchestrator.Run) {
	h := w.Header()
	h.Set("Content-Type", protocol.ContentType+"; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := protocol.NewEncoder(w)
	var (
		tokens   int64
		terminal protocol.Event
	)
	for ev := range run.Events(r.Context()) {
		if err := enc.Encode(ev); err != nil {
			log.Printf("STREAM_WRITE_FAILED | model=%s error=%v", run.Model(), err)
			break
		}
		switch ev.(type) {
		case protocol.TokenEvent:
			tokens++
		case protocol.DoneEvent, protocol.ErrorEvent:
			terminal = ev
		}
	}

	atomic.AddInt64(&s.stats.Tokens, tokens)
	switch terminal.(type) {
	case protocol.DoneEvent:
		atomic.AddInt64(&s.stats.Completed, 1)
	case protocol.ErrorEvent:
		atomic.AddInt64(&s.stats.Failed, 1)
	default:
		atomic.AddInt64(&s.stats.Canceled, 1)
	}
}

// reject writes a pre-stream error and counts it.
func (s *Server) reject(w http.ResponseWriter, e *orchestrator.Error) {
	atomic.AddInt64(&s.stats.Rejected, 1)
	writeError(w, e)
}
