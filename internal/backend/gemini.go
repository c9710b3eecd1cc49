// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"io"
	"iter"
	"log"
	"strings"

	"google.golang.org/genai"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey string

	// BaseURL overrides the Gemini API endpoint. Used by tests.
	BaseURL string
}

// Gemini streams completions through the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini adapter. With an empty key the adapter is
// returned unconfigured and every call fails with a configuration error.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return &Gemini{}, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, newError(KindConfiguration, model.BackendGemini, "failed to create client", err)
	}
	return &Gemini{client: client}, nil
}

// Backend identifies this adapter.
func (g *Gemini) Backend() model.Backend {
	return model.BackendGemini
}

// IsConfigured returns true if a client was created.
func (g *Gemini) IsConfigured() bool {
	return g.client != nil
}

// translate converts a normalized request into genai contents and config.
// System messages become the system instruction; assistant turns use the
// model role.
func (g *Gemini) translate(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if sys := req.SystemPrompt(); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

// StreamCompletion opens a streaming completion. The SDK issues the request
// lazily, so setup failures surface on the first Recv.
func (g *Gemini) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	if !g.IsConfigured() {
		return nil, newError(KindConfiguration, model.BackendGemini, "API key not configured", nil)
	}
	contents, cfg := g.translate(req)
	seq := g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg)
	next, stop := iter.Pull2(seq)
	log.Printf("BACKEND_STREAM | backend=gemini model=%s turns=%d", req.Model, len(contents))
	return &geminiStream{ctx: ctx, next: next, stop: stop}, nil
}

// Complete performs a one-shot completion.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if !g.IsConfigured() {
		return "", newError(KindConfiguration, model.BackendGemini, "API key not configured", nil)
	}
	contents, cfg := g.translate(req)
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", classifyGemini(err)
	}
	return responseText(resp), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// classifyGemini maps SDK errors onto backend error kinds.
func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		// An invalid key comes back as 400 INVALID_ARGUMENT.
		if apiErr.Status == "INVALID_ARGUMENT" && strings.Contains(strings.ToLower(apiErr.Message), "api key") {
			return &Error{Kind: KindAuth, Backend: model.BackendGemini, Status: apiErr.Code, Message: apiErr.Message}
		}
		return ClassifyCode(model.BackendGemini, apiErr.Code, apiErr.Message)
	}
	return ClassifyTransport(model.BackendGemini, err)
}

// geminiStream adapts the SDK's push iterator to the Stream interface.
// The SDK ends the iterator silently when the body breaks, so a stream is
// only complete once a candidate reports a finish reason.
type geminiStream struct {
	ctx      context.Context
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	done     bool
	finished bool
}

// Recv returns the next non-empty text fragment.
func (s *geminiStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if !s.finished {
				return "", newError(KindTransient, model.BackendGemini, "stream ended before a finish reason", io.ErrUnexpectedEOF)
			}
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", classifyGemini(err)
		}
		if finishReason(resp) != "" {
			s.finished = true
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

// Close stops the underlying iterator and releases its connection.
// It must not run concurrently with Recv.
func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}

// finishReason returns the first candidate's finish reason, or "".
func finishReason(resp *genai.GenerateContentResponse) genai.FinishReason {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return resp.Candidates[0].FinishReason
}
