// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/identity"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/suggest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeAdapter streams a fixed reply from the OpenAI backend.
type fakeAdapter struct {
	mu        sync.Mutex
	fragments []string
	requests  []backend.Request
}

func (a *fakeAdapter) Backend() model.Backend { return model.BackendOpenAI }

func (a *fakeAdapter) StreamCompletion(ctx context.Context, req backend.Request) (backend.Stream, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return &fakeStream{fragments: append([]string(nil), a.fragments...)}, nil
}

func (a *fakeAdapter) Complete(ctx context.Context, req backend.Request) (string, error) {
	return `["Tell me more", "Give an example"]`, nil
}

func (a *fakeAdapter) lastRequest() backend.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

type fakeStream struct {
	fragments []string
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *fakeStream) Close() error { return nil }

type testServer struct {
	srv     *Server
	store   *storage.MemoryStore
	adapter *fakeAdapter
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	adapter := &fakeAdapter{fragments: []string{"Hello", ", ", "world"}}
	store := storage.NewMemoryStore()
	d := backend.NewDispatcher(model.DefaultRegistry(), adapter)
	orch := orchestrator.New(orchestrator.DefaultConfig(), d, store).
		WithSuggester(suggest.NewGenerator(time.Second))
	return &testServer{
		srv:     New(orch, store, nil, opts),
		store:   store,
		adapter: adapter,
	}
}

func (ts *testServer) do(method, target string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func readEvents(t *testing.T, body io.Reader) []protocol.Event {
	t.Helper()
	r := protocol.NewReader(body)
	var events []protocol.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Error == "" {
		t.Errorf("error message is empty for code %s", body.Code)
	}
	return body.Code
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestNewServer_Defaults(t *testing.T) {
	ts := newTestServer(t, Options{})
	if ts.srv.Addr() != DefaultAddr {
		t.Errorf("Addr() = %q, want %q", ts.srv.Addr(), DefaultAddr)
	}
	if ts.srv.maxBody != MaxRequestBodySize {
		t.Errorf("maxBody = %d, want %d", ts.srv.maxBody, MaxRequestBodySize)
	}
	if ts.srv.Handler() == nil {
		t.Error("Handler() returned nil")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = ":9999"
	cfg.Backends.OpenAIKey = ""
	cfg.Backends.GeminiKey = ""
	cfg.Backends.OllamaEnabled = false

	opts := OptionsFromConfig(cfg)
	if opts.Addr != ":9999" {
		t.Errorf("Addr = %q, want %q", opts.Addr, ":9999")
	}
	if len(opts.ProviderErrors) == 0 {
		t.Error("ProviderErrors should report missing credentials")
	}
}

// =============================================================================
// AGENT ENDPOINT TESTS
// =============================================================================

func TestHandleAgent_Streams(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": "hi", "model": "gpt-4o-mini"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, protocol.ContentType) {
		t.Errorf("Content-Type = %q, want %s", ct, protocol.ContentType)
	}

	events := readEvents(t, rec.Body)
	if err := protocol.Validate(events); err != nil {
		t.Fatalf("invalid event order: %v", err)
	}
	meta, ok := events[0].(protocol.MetaEvent)
	if !ok || meta.Model != "gpt-4o-mini" {
		t.Errorf("first event = %#v, want meta for gpt-4o-mini", events[0])
	}

	var text strings.Builder
	var sawDone, sawSuggestions bool
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.TokenEvent:
			if sawDone {
				t.Error("token after done")
			}
			text.WriteString(e.Delta)
		case protocol.DoneEvent:
			sawDone = true
		case protocol.SuggestionsEvent:
			if !sawDone {
				t.Error("suggestions before done")
			}
			sawSuggestions = true
		}
	}
	if text.String() != "Hello, world" {
		t.Errorf("streamed text = %q, want %q", text.String(), "Hello, world")
	}
	if !sawDone || !sawSuggestions {
		t.Errorf("done=%t suggestions=%t, want both", sawDone, sawSuggestions)
	}

	st := ts.srv.Stats()
	if st.Completed != 1 || st.Tokens != 3 {
		t.Errorf("stats = %+v, want 1 completed and 3 tokens", st)
	}
}

func TestHandleAgent_PersistsTurns(t *testing.T) {
	ts := newTestServer(t, Options{})
	conv, err := ts.store.CreateConversation(context.Background(), identity.DefaultLocalUser, "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"conversationId": conv.ID, "message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	readEvents(t, rec.Body)

	got, err := ts.store.GetConversation(context.Background(), identity.DefaultLocalUser, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("stored turns = %d, want 2", len(got.Turns))
	}
	if got.Turns[0].Role != model.RoleUser || got.Turns[1].Content != "Hello, world" {
		t.Errorf("turns = %+v", got.Turns)
	}
}

func TestHandleAgent_Validation(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"empty message", map[string]any{"message": "   "}, http.StatusBadRequest, orchestrator.CodeValidation},
		{"message too long", map[string]any{"message": strings.Repeat("a", MaxMessageLength+1)}, http.StatusBadRequest, orchestrator.CodeValidation},
		{"zero maxTokens", map[string]any{"message": "hi", "maxTokens": 0}, http.StatusBadRequest, orchestrator.CodeValidation},
		{"maxTokens over limit", map[string]any{"message": "hi", "maxTokens": MaxTokensLimit + 1}, http.StatusBadRequest, orchestrator.CodeValidation},
		{"unknown model", map[string]any{"message": "hi", "model": "gpt-99"}, http.StatusBadRequest, orchestrator.CodeUnsupportedModel},
		{"unconfigured backend", map[string]any{"message": "hi", "model": "gemini-1.5-pro"}, http.StatusBadRequest, orchestrator.CodeUnsupportedModel},
		{"missing conversation", map[string]any{"message": "hi", "conversationId": "nope"}, http.StatusNotFound, orchestrator.CodeConversationNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/v1/agent", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestHandleAgent_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/agent", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ts.srv.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", ts.srv.Stats().Rejected)
	}
}

func TestHandleAgent_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, Options{MaxBodyBytes: 64})
	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": strings.Repeat("x", 200)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestHandleAgent_ClampsTemperature(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": "hi", "temperature": 5.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	readEvents(t, rec.Body)

	req := ts.adapter.lastRequest()
	if req.Temperature == nil || *req.Temperature != MaxTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, MaxTemperature)
	}
}

func TestHandleAgent_UsesPreferences(t *testing.T) {
	ts := newTestServer(t, Options{})
	m, temp := "gpt-4o", 0.2
	if _, err := ts.store.UpdatePreferences(context.Background(), identity.DefaultLocalUser,
		model.PreferencesUpdate{DefaultModel: &m, Temperature: &temp}); err != nil {
		t.Fatalf("UpdatePreferences() error = %v", err)
	}

	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": "hi"})
	readEvents(t, rec.Body)

	req := ts.adapter.lastRequest()
	if req.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
}

func TestHandleAgent_SystemPromptOverrideAlias(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": "hi", "systemPromptOverrides": "Be terse."})
	readEvents(t, rec.Body)

	msgs := ts.adapter.lastRequest().Messages
	if len(msgs) == 0 || msgs[0].Role != model.RoleSystem || msgs[0].Content != "Be terse." {
		t.Errorf("system message = %+v, want override", msgs)
	}
}

func TestHandleAgent_ConfigurationError(t *testing.T) {
	ts := newTestServer(t, Options{ProviderErrors: []string{"no backend credentials configured"}})
	rec := ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": "hi"})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Code != orchestrator.CodeConfiguration {
		t.Errorf("code = %s, want %s", body.Code, orchestrator.CodeConfiguration)
	}
	if _, ok := body.Details["errors"]; !ok {
		t.Error("details.errors missing")
	}
}

func TestAgentRequest_NormalizesNFC(t *testing.T) {
	// "e" + combining acute accent
	req, e := AgentRequest{Message: "cafe\u0301"}.toRequest()
	if e != nil {
		t.Fatalf("toRequest() error = %v", e)
	}
	if req.UserText != "caf\u00e9" {
		t.Errorf("UserText = %q, want NFC form", req.UserText)
	}
}

// =============================================================================
// CORS TESTS
// =============================================================================

func TestCORS_AgentPreflight(t *testing.T) {
	ts := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/agent", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q, want %q", got, "POST, OPTIONS")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestCORS_ResourceAllowlist(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "http://localhost:3000"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/v1/conversations", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("origin %s: status = %d, want 204", tt.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestReload_UpdatesOrigins(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"https://app.example"}
	ts.srv.Reload(cfg)

	got := ts.srv.resourceCORS.Origins()
	if len(got) != 1 || got[0] != "https://app.example" {
		t.Errorf("Origins() = %v, want [https://app.example]", got)
	}
}

// =============================================================================
// AUTH AND RATE LIMIT TESTS
// =============================================================================

func TestAuth_TokenResolver(t *testing.T) {
	hash, err := identity.HashToken("secret-token")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	resolver, err := identity.NewTokenResolver([]identity.Credential{{UserID: "alice", TokenHash: hash}})
	if err != nil {
		t.Fatalf("NewTokenResolver() error = %v", err)
	}
	ts := newTestServer(t, Options{})
	ts.srv = New(ts.srv.orch, ts.store, resolver, Options{})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer secret-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusUnauthorized {
				if code := errorCode(t, rec); code != orchestrator.CodeUnauthorized {
					t.Errorf("code = %s, want %s", code, orchestrator.CodeUnauthorized)
				}
			}
		})
	}
}

func TestAuth_HealthIsPublic(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.srv = New(ts.srv.orch, ts.store, &identity.TokenResolver{}, Options{})

	rec := ts.do(http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuth_IPAllowlist(t *testing.T) {
	ts := newTestServer(t, Options{AllowedIPs: []string{"10.1.0.0/16"}})
	// httptest requests come from 192.0.2.1
	rec := ts.do(http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RateLimitRPS: 0.5, RateLimitBurst: 1})

	if rec := ts.do(http.MethodGet, "/v1/models", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	rec := ts.do(http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", rec.Header().Get("Retry-After"))
	}
	if code := errorCode(t, rec); code != orchestrator.CodeRateLimited {
		t.Errorf("code = %s, want %s", code, orchestrator.CodeRateLimited)
	}
}

func TestRateLimiter_SetLimit(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Enabled() {
		t.Error("limiter with rps 0 should be disabled")
	}
	for i := 0; i < 10; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatal("disabled limiter rejected a request")
		}
	}

	rl.SetLimit(1, 2)
	if !rl.Enabled() {
		t.Error("limiter should be enabled after SetLimit")
	}
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want burst of 2", allowed)
	}
	if rl.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", rl.Clients())
	}
}

// =============================================================================
// RESOURCE ENDPOINT TESTS
// =============================================================================

func TestHandleModels(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ModelsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Models) == 0 {
		t.Fatal("no models listed")
	}
	for _, m := range resp.Models {
		if m.Backend != model.BackendOpenAI {
			t.Errorf("model %s from unconfigured backend %s", m.ID, m.Backend)
		}
	}
	if resp.Default != orchestrator.DefaultModel {
		t.Errorf("Default = %q, want %q", resp.Default, orchestrator.DefaultModel)
	}
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/v1/conversations", map[string]any{"title": "  Trip plans  "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}
	var created struct {
		Conversation model.Conversation `json:"conversation"`
	}
	decodeBody(t, rec, &created)
	id := created.Conversation.ID
	if created.Conversation.Title != "Trip plans" {
		t.Errorf("Title = %q, want %q", created.Conversation.Title, "Trip plans")
	}

	var list struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	decodeBody(t, ts.do(http.MethodGet, "/v1/conversations", nil), &list)
	if len(list.Conversations) != 1 {
		t.Errorf("listed %d conversations, want 1", len(list.Conversations))
	}

	rec = ts.do(http.MethodPatch, "/v1/conversations/"+id, map[string]any{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d, want 200", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/v1/conversations/"+id, nil)
	var got struct {
		Conversation model.Conversation `json:"conversation"`
	}
	decodeBody(t, rec, &got)
	if got.Conversation.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", got.Conversation.Title)
	}

	if rec := ts.do(http.MethodDelete, "/v1/conversations/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = ts.do(http.MethodGet, "/v1/conversations/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != orchestrator.CodeConversationNotFound {
		t.Errorf("code = %s, want %s", code, orchestrator.CodeConversationNotFound)
	}
}

func TestCreateConversation_EmptyBody(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/v1/conversations", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Conversation model.Conversation `json:"conversation"`
	}
	decodeBody(t, rec, &created)
	if created.Conversation.Title != model.DefaultConversationTitle {
		t.Errorf("Title = %q, want %q", created.Conversation.Title, model.DefaultConversationTitle)
	}
}

func TestRenameConversation_Validation(t *testing.T) {
	ts := newTestServer(t, Options{})
	conv, _ := ts.store.CreateConversation(context.Background(), identity.DefaultLocalUser, "")

	if rec := ts.do(http.MethodPatch, "/v1/conversations/"+conv.ID, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want 400", rec.Code)
	}
	long := strings.Repeat("t", MaxTitleLength+1)
	if rec := ts.do(http.MethodPatch, "/v1/conversations/"+conv.ID, map[string]any{"title": long}); rec.Code != http.StatusBadRequest {
		t.Errorf("long title status = %d, want 400", rec.Code)
	}
}

func TestConversations_ScopedToUser(t *testing.T) {
	ts := newTestServer(t, Options{})
	other, _ := ts.store.CreateConversation(context.Background(), "someone-else", "private")

	if rec := ts.do(http.MethodGet, "/v1/conversations/"+other.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign conversation status = %d, want 404", rec.Code)
	}
}

func TestShareAndSearch(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	conv, _ := ts.store.CreateConversation(ctx, identity.DefaultLocalUser, "Notes")
	ts.store.AppendTurn(ctx, identity.DefaultLocalUser, conv.ID, model.RoleUser, "How do goroutines work?")
	ts.store.AppendTurn(ctx, identity.DefaultLocalUser, conv.ID, model.RoleAssistant, "Goroutines are lightweight threads.")

	var share struct {
		Conversation ShareSnapshot `json:"conversation"`
	}
	decodeBody(t, ts.do(http.MethodGet, "/v1/conversations/"+conv.ID+"/share", nil), &share)
	if len(share.Conversation.Messages) != 2 {
		t.Errorf("shared messages = %d, want 2", len(share.Conversation.Messages))
	}

	var found struct {
		Results []json.RawMessage `json:"results"`
	}
	decodeBody(t, ts.do(http.MethodGet, "/v1/conversations/"+conv.ID+"/search?q="+url.QueryEscape("goroutine"), nil), &found)
	if len(found.Results) != 2 {
		t.Errorf("results = %d, want 2", len(found.Results))
	}

	rec := ts.do(http.MethodGet, "/v1/conversations/"+conv.ID+"/search?q=", nil)
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Errorf("empty query body = %s, want empty results array", rec.Body.String())
	}
}

func TestPreferences(t *testing.T) {
	ts := newTestServer(t, Options{})

	var got struct {
		Preferences model.Preferences `json:"preferences"`
	}
	decodeBody(t, ts.do(http.MethodGet, "/v1/preferences", nil), &got)
	if got.Preferences.Temperature != storage.DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", got.Preferences.Temperature, storage.DefaultTemperature)
	}

	rec := ts.do(http.MethodPatch, "/v1/preferences", map[string]any{"defaultModel": "gpt-4o", "uiDensity": "compact"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &got)
	if got.Preferences.DefaultModel != "gpt-4o" || got.Preferences.UIDensity != model.DensityCompact {
		t.Errorf("Preferences = %+v", got.Preferences)
	}

	var models ModelsResponse
	decodeBody(t, ts.do(http.MethodGet, "/v1/models", nil), &models)
	if models.Default != "gpt-4o" {
		t.Errorf("models default = %q, want preferred gpt-4o", models.Default)
	}
}

func TestPreferences_Validation(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"temperature", map[string]any{"temperature": 3.5}, orchestrator.CodeValidation},
		{"density", map[string]any{"uiDensity": "spacious"}, orchestrator.CodeValidation},
		{"model", map[string]any{"defaultModel": "gpt-99"}, orchestrator.CodeUnsupportedModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPatch, "/v1/preferences", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestQuickPrompts(t *testing.T) {
	ts := newTestServer(t, Options{})
	var resp struct {
		QuickPrompts []model.QuickPrompt `json:"quickPrompts"`
	}
	decodeBody(t, ts.do(http.MethodGet, "/v1/quick-prompts", nil), &resp)
	if len(resp.QuickPrompts) != len(storage.DefaultQuickPrompts()) {
		t.Errorf("quick prompts = %d, want %d", len(resp.QuickPrompts), len(storage.DefaultQuickPrompts()))
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	var health HealthResponse
	decodeBody(t, ts.do(http.MethodGet, "/health", nil), &health)

	if health.Status != "ok" {
		t.Errorf("Status = %q, want ok", health.Status)
	}
	if health.Backends["openai"] != "configured" || health.Backends["gemini"] != "not_configured" {
		t.Errorf("Backends = %v", health.Backends)
	}

	degraded := newTestServer(t, Options{ProviderErrors: []string{"bad key"}})
	decodeBody(t, degraded.do(http.MethodGet, "/health", nil), &health)
	if health.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", health.Status)
	}
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(http.MethodPost, "/v1/agent", map[string]any{"message": ""})

	var stats StatsResponse
	decodeBody(t, ts.do(http.MethodGet, "/stats", nil), &stats)
	if stats.AgentRequests != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v, want 1 request rejected", stats)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodGet, "/health", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options not set")
	}
}

// =============================================================================
// MIDDLEWARE HELPER TESTS
// =============================================================================

func TestRedactFields(t *testing.T) {
	in := map[string]any{
		"openai_api_key": "sk-live",
		"model":          "gpt-4o",
		"nested":         map[string]any{"Authorization": "Bearer x", "count": 2},
	}
	out := RedactFields(in)

	if out["openai_api_key"] != Redacted {
		t.Errorf("api key = %v, want redacted", out["openai_api_key"])
	}
	if out["model"] != "gpt-4o" {
		t.Errorf("model = %v, want untouched", out["model"])
	}
	nested := out["nested"].(map[string]any)
	if nested["Authorization"] != Redacted || nested["count"] != 2 {
		t.Errorf("nested = %v", nested)
	}
	if in["openai_api_key"] != "sk-live" {
		t.Error("RedactFields modified its input")
	}
}

func TestRedactQuery(t *testing.T) {
	q := url.Values{"token": {"abc"}, "q": {"hello"}}
	out := RedactQuery(q)
	if out.Get("token") != Redacted || out.Get("q") != "hello" {
		t.Errorf("RedactQuery() = %v", out)
	}
}

func TestGetClientIP(t *testing.T) {
	SetTrustedProxies(nil)

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.9:5000", "", "203.0.113.9"},
		{"untrusted proxy ignored", "203.0.113.9:5000", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy", "127.0.0.1:5000", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{"garbage header", "127.0.0.1:5000", "not-an-ip", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPAllowlist(t *testing.T) {
	a := NewIPAllowlist(nil)
	if !a.Allowed("8.8.8.8") {
		t.Error("empty allowlist should allow everyone")
	}
	a.Set([]string{"10.0.0.0/8", "192.0.2.7"})
	if !a.Allowed("10.2.3.4") || !a.Allowed("192.0.2.7") {
		t.Error("listed addresses should be allowed")
	}
	if a.Allowed("8.8.8.8") {
		t.Error("unlisted address should be denied")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
