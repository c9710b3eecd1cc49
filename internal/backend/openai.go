// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// Configuration constants for the OpenAI-compatible API.
const (
	// DefaultOpenAIURL is the base URL for the OpenAI API.
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024
)

// =============================================================================
// WIRE TYPES
// =============================================================================

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

// openAIChunk is a single chunk from the streaming response.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string

	// httpClient is used for one-shot requests.
	httpClient *http.Client

	// streamClient has no timeout; streams are bounded by their context.
	streamClient *http.Client
}

// NewOpenAI creates an OpenAI adapter. Zero-valued fields use defaults.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &OpenAI{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}
}

// Backend identifies this adapter.
func (c *OpenAI) Backend() model.Backend {
	return model.BackendOpenAI
}

// IsConfigured returns true if the client has an API key configured.
func (c *OpenAI) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for logs.
// SECURITY: Never exposes API key fragments.
func (c *OpenAI) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for API requests.
func (c *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rigrun-relay/"+Version)
}

// Version is reported in the User-Agent of outbound requests.
var Version = "0.1.0"

func (c *OpenAI) buildBody(req Request, stream bool) ([]byte, error) {
	msgs := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openAIMessage{Role: string(m.Role), Content: m.Content}
	}
	return json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
}

// post sends a chat completions request and returns the response on HTTP 200.
func (c *OpenAI) post(ctx context.Context, client *http.Client, req Request, stream bool) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, newError(KindConfiguration, model.BackendOpenAI, "API key not configured", nil)
	}

	body, err := c.buildBody(req, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	start := time.Now()
	resp, err := client.Do(httpReq)

	// SECURITY: Clear Authorization header immediately after request to prevent logging
	httpReq.Header.Del("Authorization")

	if err != nil {
		return nil, ClassifyTransport(model.BackendOpenAI, err)
	}
	log.Printf("BACKEND_RESPONSE | backend=openai model=%s status=%d stream=%v elapsed=%v",
		req.Model, resp.StatusCode, stream, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, ClassifyStatus(model.BackendOpenAI, resp, data)
	}
	return resp, nil
}

// StreamCompletion opens a streaming chat completion.
func (c *OpenAI) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	resp, err := c.post(ctx, c.streamClient, req, true)
	if err != nil {
		return nil, err
	}
	return &openAIStream{ctx: ctx, body: resp.Body, reader: newSSEReader(resp.Body)}, nil
}

// Complete performs a one-shot chat completion.
func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, c.httpClient, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// SECURITY: Limit response size to prevent memory exhaustion
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return "", ClassifyTransport(model.BackendOpenAI, err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", newError(KindTransient, model.BackendOpenAI, "malformed response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// =============================================================================
// STREAM
// =============================================================================

// openAIStream yields content deltas from an SSE body.
type openAIStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *sseReader
	done   bool
}

// Recv returns the next non-empty content delta.
func (s *openAIStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return "", err
		}

		_, data, err := s.reader.ReadEvent()
		if err != nil {
			s.done = true
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if isEOF(err) {
				return "", newError(KindTransient, model.BackendOpenAI, "stream ended before [DONE]", io.ErrUnexpectedEOF)
			}
			return "", ClassifyTransport(model.BackendOpenAI, err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return "", io.EOF
		}

		var chunk openAIChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if chunk.Error != nil {
			s.done = true
			return "", newError(KindTransient, model.BackendOpenAI, chunk.Error.Message, nil)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

// Close releases the response body.
func (s *openAIStream) Close() error {
	s.done = true
	return s.body.Close()
}
