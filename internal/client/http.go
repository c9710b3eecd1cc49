// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
)

const (
	// DefaultTimeout bounds the non-streaming endpoints.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// =============================================================================
// TYPES
// =============================================================================

// AgentRequest is the body of POST /v1/agent.
type AgentRequest struct {
	ConversationID       string   `json:"conversationId,omitempty"`
	Message              string   `json:"message"`
	Model                string   `json:"model,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	MaxTokens            int      `json:"maxTokens,omitempty"`
	SystemPromptOverride string   `json:"systemPromptOverride,omitempty"`
}

// APIError is a structured error response from the server.
type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models  []model.Descriptor `json:"models"`
	Default string             `json:"default"`
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// HTTPClient talks to a relay server.
type HTTPClient struct {
	baseURL string
	token   string
	stream  *http.Client
	api     *http.Client
}

// NewHTTPClient creates a client for baseURL. An empty token sends no
// Authorization header.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		// Streams end when the server finishes or the context is cancelled.
		stream: &http.Client{},
		api:    &http.Client{Timeout: DefaultTimeout},
	}
}

// BaseURL returns the server URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// decodeError reads a structured error body, falling back to the status text.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = MsgRequestFailed
	}
	return apiErr
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream posts req and applies every event to reducer under gen. Cancelling
// ctx or the generation ends the stream with OutcomeCancelled and a nil
// error. Pre-stream errors are returned as *APIError.
func (c *HTTPClient) Stream(ctx context.Context, gen *Generation, req AgentRequest, reducer *Reducer) (Outcome, error) {
	reqCtx, cancel := context.WithCancel(gen.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if req.Message == "" {
		req.Message = gen.Text
	}

	httpReq, err := c.newRequest(reqCtx, http.MethodPost, "/v1/agent", req)
	if err != nil {
		reducer.Fail(gen, MsgGenericError)
		return OutcomeFailed, err
	}
	httpReq.Header.Set("Accept", protocol.ContentType)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return c.interrupted(reqCtx, gen, reducer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeError(resp)
		log.Printf("AGENT_REQUEST_FAILED | status=%d code=%s", apiErr.Status, apiErr.Code)
		reducer.Fail(gen, apiErr.Message)
		return OutcomeFailed, apiErr
	}

	events := protocol.NewReader(resp.Body)
	for {
		ev, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return c.interrupted(reqCtx, gen, reducer, err)
		}
		reducer.Apply(gen, ev)
	}

	outcome := reducer.Outcome(gen)
	if outcome == OutcomePending {
		// Stream ended without a terminal event.
		reducer.Fail(gen, MsgGenericError)
		return OutcomeFailed, io.ErrUnexpectedEOF
	}
	return outcome, nil
}

// interrupted classifies a transport failure as a cancel or an error.
func (c *HTTPClient) interrupted(ctx context.Context, gen *Generation, reducer *Reducer, err error) (Outcome, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		reducer.CancelGeneration(gen)
		return reducer.Outcome(gen), nil
	}
	if reducer.Outcome(gen) == OutcomeCompleted {
		// Only the suggestions were lost.
		return OutcomeCompleted, nil
	}
	log.Printf("AGENT_STREAM_FAILED | error=%v", err)
	reducer.Fail(gen, MsgGenericError)
	return reducer.Outcome(gen), err
}

// =============================================================================
// RESOURCE ENDPOINTS
// =============================================================================

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Models lists the models the server can serve.
func (c *HTTPClient) Models(ctx context.Context) (ModelsResponse, error) {
	var out ModelsResponse
	err := c.do(ctx, http.MethodGet, "/v1/models", nil, &out)
	return out, err
}

// Conversations lists the caller's conversations.
func (c *HTTPClient) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out)
	return out.Conversations, err
}

// Conversation fetches one conversation with its turns.
func (c *HTTPClient) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	var out struct {
		Conversation model.Conversation `json:"conversation"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/conversations/"+id, nil, &out)
	return out.Conversation, err
}

// CreateConversation creates an empty conversation.
func (c *HTTPClient) CreateConversation(ctx context.Context, title string) (model.Conversation, error) {
	var out struct {
		Conversation model.Conversation `json:"conversation"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]string{"title": title}, &out)
	return out.Conversation, err
}

// Preferences fetches the caller's preferences.
func (c *HTTPClient) Preferences(ctx context.Context) (model.Preferences, error) {
	var out struct {
		Preferences model.Preferences `json:"preferences"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/preferences", nil, &out)
	return out.Preferences, err
}

// UpdatePreferences applies a partial preferences change.
func (c *HTTPClient) UpdatePreferences(ctx context.Context, upd model.PreferencesUpdate) (model.Preferences, error) {
	var out struct {
		Preferences model.Preferences `json:"preferences"`
	}
	err := c.do(ctx, http.MethodPatch, "/v1/preferences", upd, &out)
	return out.Preferences, err
}

// QuickPrompts lists prompt templates.
func (c *HTTPClient) QuickPrompts(ctx context.Context) ([]model.QuickPrompt, error) {
	var out struct {
		QuickPrompts []model.QuickPrompt `json:"quickPrompts"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/quick-prompts", nil, &out)
	return out.QuickPrompts, err
}
