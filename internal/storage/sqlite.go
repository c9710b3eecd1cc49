// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// SQLiteStore is a Store backed by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use MemoryDSN for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// A single connection also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables and seeds the built-in quick prompts.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, InitMetadata); err != nil {
		return err
	}
	for i, qp := range DefaultQuickPrompts() {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO quick_prompts (id, user_id, key, title, prompt, description, position)
			 VALUES (?, '', ?, ?, ?, ?, ?)`,
			qp.ID, qp.Key, qp.Title, qp.Prompt, qp.Description, i)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// HELPERS
// =============================================================================

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// requireLive returns ErrNotFound unless id is a live conversation of userID.
func requireLive(ctx context.Context, q querier, userID, id string) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		id, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanConversation(row interface{ Scan(...any) error }, userID string) (model.Conversation, error) {
	var c model.Conversation
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		return model.Conversation{}, err
	}
	c.UserID = userID
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func queryTurns(ctx context.Context, q querier, query string, args ...any) ([]model.Turn, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []model.Turn{}
	for rows.Next() {
		var t model.Turn
		var role string
		var created, updated int64
		if err := rows.Scan(&t.ID, &role, &t.Content, &created, &updated); err != nil {
			return nil, err
		}
		t.Role = model.Role(role)
		t.Kind = model.KindVerbatim
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations
		 WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConversation implements Store.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID, title string) (model.Conversation, error) {
	now := fromMillis(toMillis(time.Now()))
	c := model.Conversation{
		ID:        model.NewID(),
		UserID:    userID,
		Title:     normalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, userID, c.Title, toMillis(now), toMillis(now))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// GetConversation implements Store.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, id, userID)
	c, err := scanConversation(row, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, err
	}

	c.Turns, err = queryTurns(ctx, s.db,
		`SELECT id, role, content, created_at, updated_at FROM turns
		 WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return model.Conversation{}, err
	}
	return c, nil
}

// ListTurns implements Store.
func (s *SQLiteStore) ListTurns(ctx context.Context, userID, convID string, limit int) ([]model.Turn, error) {
	if err := requireLive(ctx, s.db, userID, convID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	return queryTurns(ctx, s.db,
		`SELECT id, role, content, created_at, updated_at FROM (
		     SELECT seq, id, role, content, created_at, updated_at FROM turns
		     WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, convID, limit)
}

// AppendTurn implements Store. The insert and the conversation timestamp
// bump happen in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID, convID string, role model.Role, content string) (model.Turn, error) {
	if !role.Valid() {
		return model.Turn{}, fmt.Errorf("invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Turn{}, err
	}
	defer tx.Rollback()

	if err := requireLive(ctx, tx, userID, convID); err != nil {
		return model.Turn{}, err
	}

	turn := model.NewTurn(role, content)
	turn.CreatedAt = fromMillis(toMillis(turn.CreatedAt))
	turn.UpdatedAt = turn.CreatedAt
	ms := toMillis(turn.CreatedAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, convID, string(role), content, ms, ms); err != nil {
		return model.Turn{}, fmt.Errorf("failed to append turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, ms, convID); err != nil {
		return model.Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Turn{}, err
	}
	return turn, nil
}

// RenameConversation implements Store.
func (s *SQLiteStore) RenameConversation(ctx context.Context, userID, id, title string) (model.Conversation, error) {
	now := toMillis(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		normalizeTitle(title), now, id, userID)
	if err != nil {
		return model.Conversation{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Conversation{}, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row, userID)
}

// SoftDeleteConversation implements Store.
func (s *SQLiteStore) SoftDeleteConversation(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		toMillis(time.Now()), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// PREFERENCES
// =============================================================================

// GetPreferences implements Store.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (model.Preferences, error) {
	return getPreferences(ctx, s.db, userID)
}

func getPreferences(ctx context.Context, q querier, userID string) (model.Preferences, error) {
	var p model.Preferences
	var density string
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT default_model, temperature, ui_density, updated_at FROM preferences WHERE user_id = ?`,
		userID).Scan(&p.DefaultModel, &p.Temperature, &density, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return model.Preferences{}, err
	}
	p.UIDensity = model.UIDensity(density)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// UpdatePreferences implements Store.
func (s *SQLiteStore) UpdatePreferences(ctx context.Context, userID string, upd model.PreferencesUpdate) (model.Preferences, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Preferences{}, err
	}
	defer tx.Rollback()

	p, err := getPreferences(ctx, tx, userID)
	if err != nil {
		return model.Preferences{}, err
	}
	p = applyPreferences(p, upd)
	p.UpdatedAt = fromMillis(toMillis(time.Now()))

	_, err = tx.ExecContext(ctx,
		`INSERT INTO preferences (user_id, default_model, temperature, ui_density, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		     default_model = excluded.default_model,
		     temperature = excluded.temperature,
		     ui_density = excluded.ui_density,
		     updated_at = excluded.updated_at`,
		userID, p.DefaultModel, p.Temperature, string(p.UIDensity), toMillis(p.UpdatedAt))
	if err != nil {
		return model.Preferences{}, fmt.Errorf("failed to save preferences: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Preferences{}, err
	}
	return p, nil
}

// =============================================================================
// QUICK PROMPTS
// =============================================================================

// ListQuickPrompts implements Store.
func (s *SQLiteStore) ListQuickPrompts(ctx context.Context, userID string) ([]model.QuickPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, title, prompt, description FROM quick_prompts
		 WHERE user_id = '' OR user_id = ?
		 ORDER BY user_id = '' DESC, position ASC, key ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.QuickPrompt{}
	for rows.Next() {
		var qp model.QuickPrompt
		if err := rows.Scan(&qp.ID, &qp.Key, &qp.Title, &qp.Prompt, &qp.Description); err != nil {
			return nil, err
		}
		out = append(out, qp)
	}
	return out, rows.Err()
}
