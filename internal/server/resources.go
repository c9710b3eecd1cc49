// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/search"
)

// ============================================================================
// MODELS HANDLER
// ============================================================================

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models  []model.Descriptor `json:"models"`
	Default string             `json:"default"`
}

// handleModels handles GET /v1/models. Only models whose backend has
// credentials are listed.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.orch.Dispatcher().Available()
	if models == nil {
		models = []model.Descriptor{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:  models,
		Default: s.defaultModel(r.Context(), UserIDFrom(r.Context())),
	})
}

// defaultModel is the user's preferred model, else the configured default.
func (s *Server) defaultModel(ctx context.Context, userID string) string {
	if prefs, err := s.store.GetPreferences(ctx, userID); err == nil && prefs.DefaultModel != "" {
		return prefs.DefaultModel
	}
	return s.orch.Config().DefaultModel
}

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

type conversationBody struct {
	Title *string `json:"title"`
}

func (b conversationBody) title() (string, *orchestrator.Error) {
	if b.Title == nil {
		return "", nil
	}
	t := strings.TrimSpace(norm.NFC.String(*b.Title))
	if utf8.RuneCountInString(t) > MaxTitleLength {
		e := orchestrator.ValidationError("Title exceeds %d characters", MaxTitleLength)
		e.Details = map[string]any{"field": "title"}
		return "", e
	}
	return t, nil
}

// handleListConversations handles GET /v1/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleCreateConversation handles POST /v1/conversations. The body is
// optional.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body conversationBody
	if r.ContentLength != 0 {
		if e := decodeJSON(w, r, s.maxBody, &body); e != nil {
			writeError(w, e)
			return
		}
	}
	title, e := body.title()
	if e != nil {
		writeError(w, e)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), UserIDFrom(r.Context()), title)
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

// handleGetConversation handles GET /v1/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// handleRenameConversation handles PATCH /v1/conversations/{id}.
func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var body conversationBody
	if e := decodeJSON(w, r, s.maxBody, &body); e != nil {
		writeError(w, e)
		return
	}
	if body.Title == nil {
		e := orchestrator.ValidationError("Title is required")
		e.Details = map[string]any{"field": "title"}
		writeError(w, e)
		return
	}
	title, e := body.title()
	if e != nil {
		writeError(w, e)
		return
	}

	conv, err := s.store.RenameConversation(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"), title)
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// handleDeleteConversation handles DELETE /v1/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDeleteConversation(r.Context(), UserIDFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShareSnapshot is the read-only view of a conversation. Summary turns are
// never stored, so every turn here is verbatim.
type ShareSnapshot struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Messages []model.Turn `json:"messages"`
}

// handleShareConversation handles GET /v1/conversations/{id}/share.
func (s *Server) handleShareConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	snap := ShareSnapshot{ID: conv.ID, Title: conv.Title, Messages: conv.Turns}
	if snap.Messages == nil {
		snap.Messages = []model.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": snap})
}

// handleSearchConversation handles GET /v1/conversations/{id}/search?q=.
func (s *Server) handleSearchConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	results := search.Search(conv.Turns, norm.NFC.String(r.URL.Query().Get("q")))
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ============================================================================
// PREFERENCES HANDLERS
// ============================================================================

// handleGetPreferences handles GET /v1/preferences.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.store.GetPreferences(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

// handleUpdatePreferences handles PATCH /v1/preferences.
func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var upd model.PreferencesUpdate
	if e := decodeJSON(w, r, s.maxBody, &upd); e != nil {
		writeError(w, e)
		return
	}
	if e := s.validatePreferences(&upd); e != nil {
		writeError(w, e)
		return
	}

	prefs, err := s.store.UpdatePreferences(r.Context(), UserIDFrom(r.Context()), upd)
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) validatePreferences(upd *model.PreferencesUpdate) *orchestrator.Error {
	if upd.DefaultModel != nil {
		id := strings.TrimSpace(*upd.DefaultModel)
		upd.DefaultModel = &id
		if id != "" && !s.orch.Dispatcher().Registry().Has(id) {
			e := orchestrator.ValidationError("Model '%s' is not supported", id)
			e.Code = orchestrator.CodeUnsupportedModel
			e.Details = map[string]any{"supportedModels": s.orch.Dispatcher().Registry().IDs()}
			return e
		}
	}
	if upd.Temperature != nil {
		if t := *upd.Temperature; t < MinTemperature || t > MaxTemperature {
			e := orchestrator.ValidationError("temperature must be between %.0f and %.0f", MinTemperature, MaxTemperature)
			e.Details = map[string]any{"field": "temperature"}
			return e
		}
	}
	if upd.UIDensity != nil {
		switch *upd.UIDensity {
		case model.DensityComfortable, model.DensityCompact:
		default:
			e := orchestrator.ValidationError("uiDensity must be one of: comfortable, compact")
			e.Details = map[string]any{"field": "uiDensity"}
			return e
		}
	}
	return nil
}

// handleQuickPrompts handles GET /v1/quick-prompts.
func (s *Server) handleQuickPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListQuickPrompts(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, orchestrator.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quickPrompts": prompts})
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Backends map[string]string `json:"backends"`
	Models   int               `json:"models"`
}

// handleHealth handles GET /health. Status is "degraded" when no backend
// has credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d := s.orch.Dispatcher()
	health := HealthResponse{
		Status:   "ok",
		Version:  Version,
		Backends: make(map[string]string),
		Models:   len(d.Available()),
	}
	for _, b := range []model.Backend{model.BackendOpenAI, model.BackendGemini, model.BackendOllama} {
		if d.Configured(b) {
			health.Backends[string(b)] = "configured"
		} else {
			health.Backends[string(b)] = "not_configured"
		}
	}
	if !d.AnyConfigured() || len(s.providerErrors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}
