// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// DefaultOllamaURL is the default Ollama server address.
const DefaultOllamaURL = "http://localhost:11434"

// =============================================================================
// WIRE TYPES
// =============================================================================

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// ollamaChunk is one NDJSON line of a /api/chat response.
type ollamaChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Ollama streams completions from a local Ollama server.
type Ollama struct {
	baseURL    string
	httpClient *http.Client

	// SECURITY: TLS not required - Ollama runs locally over HTTP
	streamClient *http.Client
}

// NewOllama creates an Ollama adapter. An empty BaseURL leaves the adapter
// unconfigured.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Ollama{
		baseURL:      strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

// Backend identifies this adapter.
func (o *Ollama) Backend() model.Backend {
	return model.BackendOllama
}

// IsConfigured returns true if a server URL is set.
func (o *Ollama) IsConfigured() bool {
	return o.baseURL != ""
}

func (o *Ollama) post(ctx context.Context, client *http.Client, req Request, stream bool) (*http.Response, error) {
	if !o.IsConfigured() {
		return nil, newError(KindConfiguration, model.BackendOllama, "server URL not configured", nil)
	}

	body := ollamaRequest{Model: req.Model, Stream: stream}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(model.BackendOllama, err)
	}
	log.Printf("BACKEND_RESPONSE | backend=ollama model=%s status=%d stream=%v", req.Model, resp.StatusCode, stream)

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, ClassifyStatus(model.BackendOllama, resp, errBody)
	}
	return resp, nil
}

// StreamCompletion opens a streaming chat.
func (o *Ollama) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	resp, err := o.post(ctx, o.streamClient, req, true)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), MaxChunkSize)
	return &ollamaStream{ctx: ctx, body: resp.Body, scanner: scanner}, nil
}

// Complete performs a one-shot chat.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.post(ctx, o.httpClient, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chunk ollamaChunk
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&chunk); err != nil {
		return "", newError(KindTransient, model.BackendOllama, "malformed response", err)
	}
	if chunk.Error != "" {
		return "", newError(KindModelUnavailable, model.BackendOllama, chunk.Error, nil)
	}
	return chunk.Message.Content, nil
}

// =============================================================================
// STREAM
// =============================================================================

// ollamaStream reads newline-delimited JSON chunks.
type ollamaStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv returns the next non-empty content fragment.
func (s *ollamaStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return "", err
		}

		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				if ctxErr := s.ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				return "", ClassifyTransport(model.BackendOllama, err)
			}
			return "", io.EOF
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			s.done = true
			return "", newError(KindTransient, model.BackendOllama, chunk.Error, nil)
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
}

// Close releases the response body.
func (s *ollamaStream) Close() error {
	s.done = true
	return s.body.Close()
}
