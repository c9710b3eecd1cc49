// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// DefaultSystemPrompt is used when a request carries no override.
const DefaultSystemPrompt = "You are a helpful AI assistant. Provide clear, helpful responses."

// DefaultAuxiliaryModels are the lightweight models used for summaries and
// suggestions. A backend without an entry reuses the requested model.
var DefaultAuxiliaryModels = map[model.Backend]string{
	model.BackendOpenAI: "gpt-4o-mini",
	model.BackendGemini: "gemini-1.5-flash",
}

// configurable is implemented by adapters that can report missing credentials.
type configurable interface {
	IsConfigured() bool
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher maps model ids to adapters. It is built once at startup and is
// safe for concurrent use; it holds no per-request state.
type Dispatcher struct {
	registry  *model.Registry
	adapters  map[model.Backend]Adapter
	auxModels map[model.Backend]string
}

// NewDispatcher creates a dispatcher over reg. Later adapters for the same
// backend replace earlier ones.
func NewDispatcher(reg *model.Registry, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		adapters:  make(map[model.Backend]Adapter, len(adapters)),
		auxModels: make(map[model.Backend]string, len(DefaultAuxiliaryModels)),
	}
	for _, a := range adapters {
		d.adapters[a.Backend()] = a
	}
	for b, m := range DefaultAuxiliaryModels {
		d.auxModels[b] = m
	}
	return d
}

// SetAuxiliaryModel overrides the lightweight model for a backend.
// An empty id makes the backend reuse the requested model.
func (d *Dispatcher) SetAuxiliaryModel(b model.Backend, id string) {
	if id == "" {
		delete(d.auxModels, b)
		return
	}
	d.auxModels[b] = id
}

// Registry returns the model registry.
func (d *Dispatcher) Registry() *model.Registry {
	return d.registry
}

// Configured reports whether the backend has an adapter with usable credentials.
func (d *Dispatcher) Configured(b model.Backend) bool {
	a, ok := d.adapters[b]
	if !ok {
		return false
	}
	if c, ok := a.(configurable); ok {
		return c.IsConfigured()
	}
	return true
}

// AnyConfigured reports whether at least one backend is usable.
func (d *Dispatcher) AnyConfigured() bool {
	for b := range d.adapters {
		if d.Configured(b) {
			return true
		}
	}
	return false
}

// Available lists the registered models whose backend is configured.
func (d *Dispatcher) Available() []model.Descriptor {
	return d.registry.Available(d.Configured)
}

// Resolve finds the descriptor and adapter for modelID without touching the
// network. Unknown ids and ids whose backend has no configured adapter fail
// with KindUnsupportedModel.
func (d *Dispatcher) Resolve(modelID string) (model.Descriptor, Adapter, error) {
	desc, ok := d.registry.Lookup(modelID)
	if !ok {
		return model.Descriptor{}, nil, &Error{
			Kind:    KindUnsupportedModel,
			Message: fmt.Sprintf("unknown model %q", modelID),
		}
	}
	if !d.Configured(desc.Backend) {
		return model.Descriptor{}, nil, &Error{
			Kind:    KindUnsupportedModel,
			Backend: desc.Backend,
			Message: fmt.Sprintf("model %q has no configured backend", modelID),
		}
	}
	return desc, d.adapters[desc.Backend], nil
}

// Dispatch resolves req.Model and opens a stream on its adapter.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Stream, error) {
	_, adapter, err := d.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return adapter.StreamCompletion(ctx, req)
}

// Auxiliary returns a Completer on the same backend as modelID. Requests with
// an empty Model are sent to the backend's lightweight model.
func (d *Dispatcher) Auxiliary(modelID string) (Completer, error) {
	desc, adapter, err := d.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	aux := d.auxModels[desc.Backend]
	if aux == "" {
		aux = desc.ID
	}
	return &auxCompleter{adapter: adapter, model: aux}, nil
}

// auxCompleter pins a default model onto one-shot requests.
type auxCompleter struct {
	adapter Adapter
	model   string
}

func (a *auxCompleter) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = a.model
	}
	return a.adapter.Complete(ctx, req)
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// Normalize builds the message list sent to a backend: the effective system
// prompt first, then history in order, then the new user text last.
// An empty systemPrompt selects DefaultSystemPrompt.
func Normalize(systemPrompt string, turns []model.Turn, userText string) []Message {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	msgs := make([]Message, 0, len(turns)+2)
	msgs = append(msgs, Message{Role: model.RoleSystem, Content: systemPrompt})
	for _, t := range turns {
		if !t.Role.Valid() || t.Content == "" {
			continue
		}
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, Message{Role: model.RoleUser, Content: userText})
	return msgs
}
