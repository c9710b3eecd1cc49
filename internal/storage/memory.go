// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

type memConversation struct {
	conv    model.Conversation
	deleted bool
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memConversation
	prefs map[string]model.Preferences
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memConversation),
		prefs: make(map[string]model.Preferences),
	}
}

// lookupLocked returns the live conversation owned by userID.
func (s *MemoryStore) lookupLocked(userID, id string) (*memConversation, error) {
	c, ok := s.convs[id]
	if !ok || c.deleted || c.conv.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Conversation{}
	for _, c := range s.convs {
		if c.deleted || c.conv.UserID != userID {
			continue
		}
		meta := c.conv
		meta.Turns = nil
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(ctx context.Context, userID, title string) (model.Conversation, error) {
	now := time.Now()
	conv := model.Conversation{
		ID:        model.NewID(),
		UserID:    userID,
		Title:     normalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.convs[conv.ID] = &memConversation{conv: conv}
	s.mu.Unlock()
	return conv, nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(ctx context.Context, userID, id string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.lookupLocked(userID, id)
	if err != nil {
		return model.Conversation{}, err
	}
	conv := c.conv
	conv.Turns = append([]model.Turn{}, c.conv.Turns...)
	return conv, nil
}

// ListTurns implements Store.
func (s *MemoryStore) ListTurns(ctx context.Context, userID, convID string, limit int) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.lookupLocked(userID, convID)
	if err != nil {
		return nil, err
	}
	turns := c.conv.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]model.Turn{}, turns...), nil
}

// AppendTurn implements Store.
func (s *MemoryStore) AppendTurn(ctx context.Context, userID, convID string, role model.Role, content string) (model.Turn, error) {
	if !role.Valid() {
		return model.Turn{}, fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupLocked(userID, convID)
	if err != nil {
		return model.Turn{}, err
	}
	turn := model.NewTurn(role, content)
	c.conv.Turns = append(c.conv.Turns, turn)
	c.conv.UpdatedAt = turn.CreatedAt
	return turn, nil
}

// RenameConversation implements Store.
func (s *MemoryStore) RenameConversation(ctx context.Context, userID, id, title string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupLocked(userID, id)
	if err != nil {
		return model.Conversation{}, err
	}
	c.conv.Title = normalizeTitle(title)
	c.conv.UpdatedAt = time.Now()

	meta := c.conv
	meta.Turns = nil
	return meta, nil
}

// SoftDeleteConversation implements Store.
func (s *MemoryStore) SoftDeleteConversation(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupLocked(userID, id)
	if err != nil {
		return err
	}
	c.deleted = true
	return nil
}

// GetPreferences implements Store.
func (s *MemoryStore) GetPreferences(ctx context.Context, userID string) (model.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return DefaultPreferences(), nil
}

// UpdatePreferences implements Store.
func (s *MemoryStore) UpdatePreferences(ctx context.Context, userID string, upd model.PreferencesUpdate) (model.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefs[userID]
	if !ok {
		p = DefaultPreferences()
	}
	p = applyPreferences(p, upd)
	p.UpdatedAt = time.Now()
	s.prefs[userID] = p
	return p, nil
}

// ListQuickPrompts implements Store.
func (s *MemoryStore) ListQuickPrompts(ctx context.Context, userID string) ([]model.QuickPrompt, error) {
	return DefaultQuickPrompts(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
