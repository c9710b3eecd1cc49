// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// sseServer returns a server that writes each chunk as an SSE data line.
func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
	}))
}

func deltaChunk(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": s}}},
	})
	return string(b)
}

// collect drains a stream into a string and closes it.
func collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	var out []string
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		out = append(out, frag)
	}
}

// =============================================================================
// OPENAI TESTS
// =============================================================================

func TestOpenAI_StreamCompletion(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		deltaChunk("Hel"),
		deltaChunk("lo"),
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	stream, err := c.StreamCompletion(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got := drain(t, stream)
	if strings.Join(got, "") != "Hello" || len(got) != 2 {
		t.Errorf("fragments = %q, want [Hel lo]", got)
	}
}

func TestOpenAI_StreamWithoutDoneSentinel(t *testing.T) {
	srv := sseServer(t, deltaChunk("partial"))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	stream, err := c.StreamCompletion(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	if frag, err := stream.Recv(); err != nil || frag != "partial" {
		t.Fatalf("Recv() = %q, %v, want partial", frag, err)
	}
	_, err = stream.Recv()
	if KindOf(err) != KindTransient {
		t.Errorf("Recv() at truncated end = %v, want Transient", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Recv() error should wrap io.ErrUnexpectedEOF, got %v", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after failure = %v, want io.EOF", err)
	}
}

func TestOpenAI_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`, KindAuth},
		{http.StatusForbidden, ``, KindAuth},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, KindRateLimited},
		{http.StatusNotFound, `{"error":{"message":"model not found"}}`, KindModelUnavailable},
		{http.StatusInternalServerError, `oops`, KindTransient},
		{http.StatusBadGateway, ``, KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
			_, err := c.StreamCompletion(context.Background(), Request{Model: "gpt-4o"})
			if got := KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %v, want %v", err, got, tt.want)
			}

			var be *Error
			if !errors.As(err, &be) {
				t.Fatalf("error %T is not *Error", err)
			}
			if be.Status != tt.status {
				t.Errorf("Status = %d, want %d", be.Status, tt.status)
			}
			if tt.want == KindRateLimited && be.RetryAfter != 7*time.Second {
				t.Errorf("RetryAfter = %v, want 7s", be.RetryAfter)
			}
		})
	}
}

func TestOpenAI_NotConfigured(t *testing.T) {
	c := NewOpenAI(OpenAIConfig{})
	if c.IsConfigured() {
		t.Fatal("IsConfigured() = true with no key")
	}
	_, err := c.StreamCompletion(context.Background(), Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
	if c.KeyFingerprint() != "none" {
		t.Errorf("KeyFingerprint() = %q, want none", c.KeyFingerprint())
	}
}

func TestOpenAI_KeyFingerprintHidesKey(t *testing.T) {
	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test-abcdefghijklmnopqrstuvwxyz"})
	fp := c.KeyFingerprint()
	if len(fp) != 8 {
		t.Errorf("len(KeyFingerprint()) = %d, want 8", len(fp))
	}
	if strings.Contains("sk-test-abcdefghijklmnopqrstuvwxyz", fp) {
		t.Error("fingerprint leaks key material")
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"summary text"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	temp := 0.3
	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	got, err := c.Complete(context.Background(), Request{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: model.RoleUser, Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   150,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "summary text" {
		t.Errorf("Complete() = %q", got)
	}
	if captured.Stream {
		t.Error("Complete should not request a stream")
	}
	if captured.MaxTokens != 150 || captured.Temperature == nil || *captured.Temperature != 0.3 {
		t.Errorf("request = %+v", captured)
	}
}

func TestOpenAI_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", deltaChunk("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	stream, err := c.StreamCompletion(ctx, Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	if frag, err := stream.Recv(); err != nil || frag != "first" {
		t.Fatalf("Recv() = %q, %v", frag, err)
	}
	cancel()
	if _, err := stream.Recv(); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv() after cancel = %v, want context.Canceled", err)
	}
}

// =============================================================================
// OLLAMA TESTS
// =============================================================================

func TestOllama_StreamCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n"))
		w.Write([]byte("\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":" there"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL})
	stream, err := o.StreamCompletion(context.Background(), Request{
		Model:    "llama3.1",
		Messages: Normalize("", nil, "hello"),
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	text, err := collect(stream)
	if err != nil || text != "Hi there" {
		t.Errorf("collect() = %q, %v", text, err)
	}
}

func TestOllama_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL})
	_, err := o.StreamCompletion(context.Background(), Request{Model: "nope"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
	if !strings.Contains(err.Error(), "model 'nope' not found") {
		t.Errorf("error message = %q", err.Error())
	}
}

func TestOllama_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: url})
	_, err := o.StreamCompletion(context.Background(), Request{Model: "llama3.1"})
	if !IsRetryable(err) {
		t.Errorf("IsRetryable(%v) = false, want true", err)
	}
}

// =============================================================================
// GEMINI TESTS
// =============================================================================

func TestGemini_Unconfigured(t *testing.T) {
	g, err := NewGemini(context.Background(), GeminiConfig{})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	if g.IsConfigured() {
		t.Error("IsConfigured() = true with no key")
	}
	if _, err := g.StreamCompletion(context.Background(), Request{Model: "gemini-1.5-flash"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("StreamCompletion() error = %v, want ErrNotConfigured", err)
	}
	if _, err := g.Complete(context.Background(), Request{Model: "gemini-1.5-flash"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Complete() error = %v, want ErrNotConfigured", err)
	}
}

func TestGemini_Translate(t *testing.T) {
	temp := 0.5
	msgs := Normalize("be brief", []model.Turn{
		model.NewTurn(model.RoleUser, "q1"),
		model.NewTurn(model.RoleAssistant, "a1"),
	}, "q2")

	contents, cfg := (&Gemini{}).translate(Request{Messages: msgs, Temperature: &temp, MaxTokens: 64})

	if len(contents) != 3 {
		t.Fatalf("len(contents) = %d, want 3", len(contents))
	}
	wantRoles := []string{string(genai.RoleUser), string(genai.RoleModel), string(genai.RoleUser)}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("contents[%d].Role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 64 {
		t.Errorf("MaxOutputTokens = %d, want 64", cfg.MaxOutputTokens)
	}
}

func TestClassifyGemini(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "API key not valid. Please pass a valid API key."}, KindAuth},
		{genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}, KindRateLimited},
		{genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "overloaded"}, KindTransient},
		{genai.APIError{Code: 404, Status: "NOT_FOUND", Message: "models/x is not found"}, KindModelUnavailable},
		{errors.New("dial tcp: connection refused"), KindTransient},
	}
	for _, tt := range tests {
		if got := KindOf(classifyGemini(tt.err)); got != tt.want {
			t.Errorf("classifyGemini(%v) kind = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// geminiChunk encodes one streamGenerateContent response.
func geminiChunk(text, finish string) string {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	b, _ := json.Marshal(map[string]any{"candidates": []any{cand}})
	return string(b)
}

// geminiServer serves lines as a streamGenerateContent body. With a non-200
// status the lines are the JSON error body; otherwise error objects are
// written as bare lines and everything else as data events.
func geminiServer(t *testing.T, status int, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-pro:streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Errorf("alt = %q, want sse", got)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g-test" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			for _, l := range lines {
				io.WriteString(w, l)
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			if strings.HasPrefix(l, "{\"error\"") {
				fmt.Fprintf(w, "%s\n\n", l)
			} else {
				fmt.Fprintf(w, "data: %s\n\n", l)
			}
			flusher.Flush()
		}
	}))
}

func newTestGemini(t *testing.T, url string) *Gemini {
	t.Helper()
	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "g-test", BaseURL: url})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	return g
}

func TestGemini_StreamCompletion(t *testing.T) {
	srv := geminiServer(t, http.StatusOK,
		geminiChunk("Hel", ""),
		geminiChunk("", ""),
		geminiChunk("lo", "STOP"),
	)
	defer srv.Close()

	g := newTestGemini(t, srv.URL)
	stream, err := g.StreamCompletion(context.Background(), Request{
		Model:    "gemini-1.5-pro",
		Messages: Normalize("be brief", nil, "hello"),
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got := drain(t, stream)
	if strings.Join(got, "|") != "Hel|lo" {
		t.Errorf("fragments = %q, want [Hel lo]", got)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after end = %v, want io.EOF", err)
	}
}

func TestGemini_StreamStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`, KindRateLimited},
		{http.StatusUnauthorized, `{"error":{"code":401,"message":"unauthenticated","status":"UNAUTHENTICATED"}}`, KindAuth},
		{http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`, KindAuth},
		{http.StatusServiceUnavailable, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, KindTransient},
		{http.StatusNotFound, `{"error":{"code":404,"message":"models/gemini-1.5-pro is not found","status":"NOT_FOUND"}}`, KindModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := geminiServer(t, tt.status, tt.body)
			defer srv.Close()

			stream, err := newTestGemini(t, srv.URL).StreamCompletion(context.Background(), Request{Model: "gemini-1.5-pro"})
			if err != nil {
				t.Fatalf("StreamCompletion() error = %v", err)
			}
			defer stream.Close()

			_, err = stream.Recv()
			if got := KindOf(err); got != tt.want {
				t.Errorf("Recv() kind = %v, want %v (err = %v)", got, tt.want, err)
			}
			var be *Error
			if errors.As(err, &be) && be.Backend != model.BackendGemini {
				t.Errorf("Backend = %q, want gemini", be.Backend)
			}
		})
	}
}

func TestGemini_MidStreamError(t *testing.T) {
	srv := geminiServer(t, http.StatusOK,
		geminiChunk("partial", ""),
		`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
	)
	defer srv.Close()

	stream, err := newTestGemini(t, srv.URL).StreamCompletion(context.Background(), Request{Model: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	if frag, err := stream.Recv(); err != nil || frag != "partial" {
		t.Fatalf("Recv() = %q, %v, want partial", frag, err)
	}
	_, err = stream.Recv()
	if KindOf(err) != KindRateLimited {
		t.Errorf("Recv() = %v, want RateLimited", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after failure = %v, want io.EOF", err)
	}
}

func TestGemini_StreamTruncated(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, geminiChunk("partial", ""))
	defer srv.Close()

	stream, err := newTestGemini(t, srv.URL).StreamCompletion(context.Background(), Request{Model: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	if frag, err := stream.Recv(); err != nil || frag != "partial" {
		t.Fatalf("Recv() = %q, %v, want partial", frag, err)
	}
	if _, err := stream.Recv(); KindOf(err) != KindTransient {
		t.Errorf("Recv() at truncated end = %v, want Transient", err)
	}
}

func TestGemini_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", geminiChunk("first", ""))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := newTestGemini(t, srv.URL).StreamCompletion(ctx, Request{Model: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	if frag, err := stream.Recv(); err != nil || frag != "first" {
		t.Fatalf("Recv() = %q, %v", frag, err)
	}

	// Recv blocks on the open body until the context is canceled.
	result := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		result <- err
	}()
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Recv() after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv() did not return after cancel")
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after Close = %v, want io.EOF", err)
	}
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_Events(t *testing.T) {
	input := ": comment\r\nevent: token\r\ndata: {\"a\":1}\r\n\r\ndata: line1\ndata: line2\n\ndata: tail"
	r := newSSEReader(strings.NewReader(input))

	ev, data, err := r.ReadEvent()
	if err != nil || ev != "token" || string(data) != `{"a":1}` {
		t.Fatalf("first event = %q %q %v", ev, data, err)
	}
	_, data, err = r.ReadEvent()
	if err != nil || string(data) != "line1\nline2" {
		t.Fatalf("second event = %q %v", data, err)
	}
	_, data, err = r.ReadEvent()
	if err != nil || string(data) != "tail" {
		t.Fatalf("unterminated event = %q %v", data, err)
	}
	if _, _, err := r.ReadEvent(); err != io.EOF {
		t.Errorf("ReadEvent() at end = %v, want io.EOF", err)
	}
}

func TestSSEReader_LineTooLong(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxChunkSize+10) + "\n\n"
	r := newSSEReader(strings.NewReader(input))
	if _, _, err := r.ReadEvent(); !errors.Is(err, errLineTooLong) {
		t.Errorf("ReadEvent() error = %v, want errLineTooLong", err)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestError_IsSentinels(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindAuth, Backend: model.BackendOpenAI, Status: 401, Message: "bad key"})

	if !errors.Is(err, ErrAuth) {
		t.Error("errors.Is(err, ErrAuth) = false")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = true")
	}
	if IsRetryable(err) {
		t.Error("auth errors must not be retryable")
	}
	if !strings.Contains(err.Error(), "openai: AuthError (HTTP 401): bad key") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &Error{Kind: KindTransient}, true},
		{"rate limited", &Error{Kind: KindRateLimited}, false},
		{"model unavailable", &Error{Kind: KindModelUnavailable}, false},
		{"unsupported", &Error{Kind: KindUnsupportedModel}, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassifyTransport_PassesContextErrors(t *testing.T) {
	if err := ClassifyTransport(model.BackendOpenAI, context.Canceled); err != context.Canceled {
		t.Errorf("ClassifyTransport(Canceled) = %v", err)
	}
	if KindOf(ClassifyTransport(model.BackendOpenAI, io.ErrUnexpectedEOF)) != KindTransient {
		t.Error("unexpected EOF should be transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if d := ParseRetryAfter(resp); d != 0 {
		t.Errorf("missing header = %v, want 0", d)
	}
	resp.Header.Set("Retry-After", "3")
	if d := ParseRetryAfter(resp); d != 3*time.Second {
		t.Errorf("seconds = %v, want 3s", d)
	}
	resp.Header.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	if d := ParseRetryAfter(resp); d <= 59*time.Minute {
		t.Errorf("http-date = %v, want about 1h", d)
	}
}

// =============================================================================
// DISPATCHER TESTS
// =============================================================================

// fakeAdapter records requests and replays canned fragments.
type fakeAdapter struct {
	backend    model.Backend
	configured bool
	fragments  []string
	lastReq    Request
}

func (f *fakeAdapter) Backend() model.Backend { return f.backend }
func (f *fakeAdapter) IsConfigured() bool     { return f.configured }

func (f *fakeAdapter) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	f.lastReq = req
	return &sliceStream{items: f.fragments}, nil
}

func (f *fakeAdapter) Complete(ctx context.Context, req Request) (string, error) {
	f.lastReq = req
	return strings.Join(f.fragments, ""), nil
}

type sliceStream struct {
	items []string
	pos   int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.items) {
		return "", io.EOF
	}
	s.pos++
	return s.items[s.pos-1], nil
}

func (s *sliceStream) Close() error { return nil }

func TestDispatcher_Resolve(t *testing.T) {
	openai := &fakeAdapter{backend: model.BackendOpenAI, configured: true}
	gemini := &fakeAdapter{backend: model.BackendGemini, configured: false}
	d := NewDispatcher(model.DefaultRegistry(), openai, gemini)

	desc, adapter, err := d.Resolve("gpt-4o")
	if err != nil || desc.ID != "gpt-4o" || adapter != Adapter(openai) {
		t.Errorf("Resolve(gpt-4o) = %v, %v, %v", desc.ID, adapter, err)
	}

	if _, _, err := d.Resolve("claude-2"); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnsupportedModel", err)
	}
	if _, _, err := d.Resolve("gemini-1.5-pro"); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("Resolve(unconfigured) error = %v, want ErrUnsupportedModel", err)
	}
	if _, _, err := d.Resolve("llama3.1"); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("Resolve(no adapter) error = %v, want ErrUnsupportedModel", err)
	}
}

func TestDispatcher_AvailableAndConfigured(t *testing.T) {
	d := NewDispatcher(model.DefaultRegistry(), &fakeAdapter{backend: model.BackendOpenAI, configured: true})

	if !d.AnyConfigured() {
		t.Error("AnyConfigured() = false")
	}
	if d.Configured(model.BackendGemini) {
		t.Error("Configured(gemini) = true without an adapter")
	}
	for _, desc := range d.Available() {
		if desc.Backend != model.BackendOpenAI {
			t.Errorf("Available() includes %s", desc.ID)
		}
	}
	if got := len(d.Available()); got != 3 {
		t.Errorf("len(Available()) = %d, want 3", got)
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	fa := &fakeAdapter{backend: model.BackendOpenAI, configured: true, fragments: []string{"a", "b"}}
	d := NewDispatcher(model.DefaultRegistry(), fa)

	stream, err := d.Dispatch(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if text, _ := collect(stream); text != "ab" {
		t.Errorf("collect() = %q, want ab", text)
	}
	if fa.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("adapter saw model %q", fa.lastReq.Model)
	}
}

func TestDispatcher_Auxiliary(t *testing.T) {
	openai := &fakeAdapter{backend: model.BackendOpenAI, configured: true}
	ollama := &fakeAdapter{backend: model.BackendOllama, configured: true}
	d := NewDispatcher(model.DefaultRegistry(), openai, ollama)

	aux, err := d.Auxiliary("gpt-4o")
	if err != nil {
		t.Fatalf("Auxiliary() error = %v", err)
	}
	aux.Complete(context.Background(), Request{})
	if openai.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("auxiliary model = %q, want gpt-4o-mini", openai.lastReq.Model)
	}

	aux, _ = d.Auxiliary("llama3.1")
	aux.Complete(context.Background(), Request{})
	if ollama.lastReq.Model != "llama3.1" {
		t.Errorf("ollama auxiliary model = %q, want llama3.1", ollama.lastReq.Model)
	}

	d.SetAuxiliaryModel(model.BackendOpenAI, "gpt-3.5-turbo")
	aux, _ = d.Auxiliary("gpt-4o")
	aux.Complete(context.Background(), Request{})
	if openai.lastReq.Model != "gpt-3.5-turbo" {
		t.Errorf("overridden auxiliary model = %q", openai.lastReq.Model)
	}
}

func TestNormalize(t *testing.T) {
	turns := []model.Turn{
		model.NewTurn(model.RoleUser, "first"),
		model.NewSummaryTurn("earlier stuff"),
		model.NewTurn(model.RoleAssistant, ""),
		model.NewTurn(model.RoleAssistant, "reply"),
	}

	msgs := Normalize("", turns, "latest")

	want := []Message{
		{Role: model.RoleSystem, Content: DefaultSystemPrompt},
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleSystem, Content: "Previous conversation summary: earlier stuff"},
		{Role: model.RoleAssistant, Content: "reply"},
		{Role: model.RoleUser, Content: "latest"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len(msgs) = %d, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}

	override := Normalize("Talk like a pirate.", nil, "hi")
	if override[0].Content != "Talk like a pirate." {
		t.Errorf("override system prompt = %q", override[0].Content)
	}
	if (Request{Messages: override}).SystemPrompt() != "Talk like a pirate." {
		t.Error("SystemPrompt() did not return the override")
	}
}
