// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the streaming adapters for each LLM provider and
// the dispatcher that selects one by model id.
//
// Every provider is reduced to one capability: open a lazy stream of text
// fragments. Failures are typed (*Error with a Kind) so the retry layer can
// tell a dropped connection from a rejected key.
//
// # Key Types
//
//   - Adapter: a provider variant (OpenAI, Gemini, Ollama)
//   - Stream: lazy fragment sequence, io.EOF on normal completion
//   - Dispatcher: model id to adapter table built from the registry
//   - Error: typed failure with Kind, HTTP status and Retry-After
//
// # Usage
//
//	d := backend.NewDispatcher(model.DefaultRegistry(),
//	    backend.NewOpenAI(backend.OpenAIConfig{APIKey: key}))
//	msgs := backend.Normalize("", history, "Hello")
//	stream, err := d.Dispatch(ctx, backend.Request{Model: "gpt-4o-mini", Messages: msgs})
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    frag, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// # Security
//
// API keys are never logged. The Authorization header is cleared as soon as
// a request has been sent, and only a SHA-256 fingerprint of the key is
// exposed for diagnostics.
package backend
