// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client holds the client-side view of one conversation.
//
// The Reducer owns the turn list, the latest suggestions and the pending
// notifications. At most one generation is in flight; sending again cancels
// the previous one. Events from a stale or cancelled generation are ignored,
// so a late Token can never touch a placeholder the user has moved past.
//
// HTTPClient drives a Reducer from a relay server's event stream.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
	"github.com/jeranaias/rigrun-relay/internal/search"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Notification messages shown to the user.
const (
	MsgCancelled     = "Generation cancelled"
	MsgGenericError  = "Something went wrong"
	MsgRequestFailed = "Request failed"
)

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is how a generation ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeCancelled
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "Pending"
	case OutcomeCompleted:
		return "Completed"
	case OutcomeFailed:
		return "Failed"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// NotificationKind selects how a notification is styled.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Notification is a transient toast-style message.
type Notification struct {
	Kind    NotificationKind
	Message string
	At      time.Time
}

// =============================================================================
// GENERATION
// =============================================================================

// Generation is one in-flight assistant response.
type Generation struct {
	UserTurnID      string
	AssistantTurnID string
	Text            string

	ctx     context.Context
	cancel  context.CancelFunc
	outcome Outcome
}

// Context is cancelled when the generation is cancelled or superseded.
func (g *Generation) Context() context.Context {
	return g.ctx
}

// =============================================================================
// STATE
// =============================================================================

// State is a renderable snapshot of the conversation.
type State struct {
	ConversationID string
	Model          string
	Turns          []model.Turn
	Suggestions    []model.Suggestion
	Notifications  []Notification
	Streaming      bool
	Outcome        Outcome
}

// =============================================================================
// REDUCER
// =============================================================================

// Reducer is safe for concurrent use.
type Reducer struct {
	mu     sync.Mutex
	state  State
	active *Generation
}

// NewReducer creates a reducer seeded with existing turns.
func NewReducer(conversationID string, turns []model.Turn) *Reducer {
	return &Reducer{
		state: State{
			ConversationID: conversationID,
			Turns:          append([]model.Turn(nil), turns...),
			Outcome:        OutcomeCompleted,
		},
	}
}

// Send starts a generation for text. Any generation still in flight is
// cancelled first without a notification.
func (r *Reducer) Send(text string) (*Generation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.outcome == OutcomePending {
		r.active.outcome = OutcomeCancelled
	}
	if r.active != nil {
		r.active.cancel()
	}

	user := model.NewTurn(model.RoleUser, text)
	placeholder := model.NewTurn(model.RoleAssistant, "")
	r.state.Turns = append(r.state.Turns, user, placeholder)
	r.state.Suggestions = nil
	r.state.Streaming = true
	r.state.Outcome = OutcomePending

	ctx, cancel := context.WithCancel(context.Background())
	gen := &Generation{
		UserTurnID:      user.ID,
		AssistantTurnID: placeholder.ID,
		Text:            text,
		ctx:             ctx,
		cancel:          cancel,
	}
	r.active = gen
	return gen, nil
}

// Apply folds one event into the state. It reports whether the event was
// applied; events for a stale, cancelled or failed generation are ignored.
// After Done only Suggestions are accepted.
func (r *Reducer) Apply(gen *Generation, ev protocol.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen == nil || gen != r.active {
		return false
	}
	switch gen.outcome {
	case OutcomePending:
	case OutcomeCompleted:
		if _, ok := ev.(protocol.SuggestionsEvent); !ok {
			return false
		}
	default:
		return false
	}

	switch e := ev.(type) {
	case protocol.MetaEvent:
		if e.ConversationID != "" {
			r.state.ConversationID = e.ConversationID
		}
		r.state.Model = e.Model
	case protocol.TokenEvent:
		if e.Delta == "" {
			return false
		}
		t := r.placeholderLocked(gen)
		if t == nil {
			return false
		}
		t.Append(e.Delta)
	case protocol.SuggestionsEvent:
		r.state.Suggestions = append([]model.Suggestion(nil), model.CapSuggestions(e.Items)...)
	case protocol.DoneEvent:
		r.finishLocked(gen, OutcomeCompleted)
	case protocol.ErrorEvent:
		r.finishLocked(gen, OutcomeFailed)
		msg := e.Message
		if msg == "" {
			msg = MsgGenericError
		}
		r.notifyLocked(NotifyError, msg)
	default:
		return false
	}
	return true
}

// Fail ends a pending generation with an error notification. Used for
// pre-stream errors and transport failures.
func (r *Reducer) Fail(gen *Generation, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen == nil || gen != r.active || gen.outcome != OutcomePending {
		return false
	}
	if message == "" {
		message = MsgGenericError
	}
	r.finishLocked(gen, OutcomeFailed)
	r.notifyLocked(NotifyError, message)
	return true
}

// Cancel stops the active generation. The partial response is kept, the
// outcome becomes Cancelled and a success notification is raised. It
// reports whether anything was cancelled.
func (r *Reducer) Cancel() bool {
	r.mu.Lock()
	gen := r.active
	r.mu.Unlock()
	return r.CancelGeneration(gen)
}

// CancelGeneration cancels gen if it is still the pending generation.
func (r *Reducer) CancelGeneration(gen *Generation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen == nil || gen != r.active {
		return false
	}
	gen.cancel()
	if gen.outcome != OutcomePending {
		return false
	}
	r.finishLocked(gen, OutcomeCancelled)
	r.notifyLocked(NotifySuccess, MsgCancelled)
	return true
}

// Outcome returns the outcome of gen.
func (r *Reducer) Outcome(gen *Generation) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen.outcome
}

// Streaming reports whether a generation is pending.
func (r *Reducer) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Streaming
}

// Snapshot returns a deep copy of the state.
func (r *Reducer) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state
	s.Turns = append([]model.Turn(nil), r.state.Turns...)
	s.Suggestions = append([]model.Suggestion(nil), r.state.Suggestions...)
	s.Notifications = append([]Notification(nil), r.state.Notifications...)
	return s
}

// DrainNotifications returns and clears pending notifications.
func (r *Reducer) DrainNotifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.state.Notifications
	r.state.Notifications = nil
	return out
}

// Search runs the fuzzy matcher over the current turns.
func (r *Reducer) Search(query string) []search.Result {
	r.mu.Lock()
	turns := append([]model.Turn(nil), r.state.Turns...)
	r.mu.Unlock()
	return search.Search(turns, query)
}

func (r *Reducer) placeholderLocked(gen *Generation) *model.Turn {
	for i := len(r.state.Turns) - 1; i >= 0; i-- {
		if r.state.Turns[i].ID == gen.AssistantTurnID {
			return &r.state.Turns[i]
		}
	}
	return nil
}

func (r *Reducer) finishLocked(gen *Generation, o Outcome) {
	gen.outcome = o
	r.state.Outcome = o
	r.state.Streaming = false
}

func (r *Reducer) notifyLocked(kind NotificationKind, msg string) {
	r.state.Notifications = append(r.state.Notifications, Notification{
		Kind:    kind,
		Message: msg,
		At:      time.Now(),
	})
}
