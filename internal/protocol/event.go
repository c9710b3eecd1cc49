// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// ContentType is the response content type for event streams.
const ContentType = "text/event-stream"

// Event names on the wire.
const (
	NameMeta        = "meta"
	NameToken       = "token"
	NameDone        = "done"
	NameSuggestions = "suggestions"
	NameError       = "error"
)

// Event is one message in a stream. The set of implementations is closed.
type Event interface {
	// Name returns the wire event name.
	Name() string
	isEvent()
}

// MetaEvent opens every stream.
type MetaEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model"`
}

// TokenEvent carries one response fragment.
type TokenEvent struct {
	Delta string `json:"delta"`
}

// DoneEvent marks normal completion.
type DoneEvent struct{}

// SuggestionsEvent carries follow-up prompts after Done.
type SuggestionsEvent struct {
	Items []model.Suggestion
}

// ErrorEvent terminates a stream early.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (MetaEvent) Name() string        { return NameMeta }
func (TokenEvent) Name() string       { return NameToken }
func (DoneEvent) Name() string        { return NameDone }
func (SuggestionsEvent) Name() string { return NameSuggestions }
func (ErrorEvent) Name() string       { return NameError }

func (MetaEvent) isEvent()        {}
func (TokenEvent) isEvent()       {}
func (DoneEvent) isEvent()        {}
func (SuggestionsEvent) isEvent() {}
func (ErrorEvent) isEvent()       {}

// IsTerminal reports whether e ends the token phase of a stream.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case DoneEvent, ErrorEvent:
		return true
	}
	return false
}

// =============================================================================
// PAYLOADS
// =============================================================================

type donePayload struct {
	Done bool `json:"done"`
}

// Payload returns the JSON data line for e.
func Payload(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case MetaEvent, TokenEvent, ErrorEvent:
		return json.Marshal(ev)
	case DoneEvent:
		return json.Marshal(donePayload{Done: true})
	case SuggestionsEvent:
		items := model.CapSuggestions(ev.Items)
		if items == nil {
			items = []model.Suggestion{}
		}
		return json.Marshal(items)
	default:
		return nil, fmt.Errorf("unknown event type %T", e)
	}
}

// ParseEvent builds an event from its wire name and data. Unknown names
// return a nil event and no error.
func ParseEvent(name string, data []byte) (Event, error) {
	switch name {
	case NameMeta:
		var ev MetaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		return ev, nil
	case NameToken:
		var ev TokenEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		return ev, nil
	case NameDone:
		return DoneEvent{}, nil
	case NameSuggestions:
		var items []model.Suggestion
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		return SuggestionsEvent{Items: model.CapSuggestions(items)}, nil
	case NameError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		return ev, nil
	default:
		return nil, nil
	}
}
