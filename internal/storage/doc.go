// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations, turns, preferences and quick
// prompts for the relay.
//
// Every operation is scoped to a user id. A conversation that does not exist,
// belongs to another user or has been soft-deleted is reported as
// ErrNotFound.
//
// # Key Types
//
//   - Store: the persistence contract used by the server and orchestrator
//   - SQLiteStore: durable implementation on modernc.org/sqlite
//   - MemoryStore: in-process implementation for tests and throwaway runs
//
// # Usage
//
//	store, err := storage.OpenSQLite(ctx, "~/.rigrun-relay/relay.db")
//	conv, err := store.CreateConversation(ctx, userID, "")
//	turn, err := store.AppendTurn(ctx, userID, conv.ID, model.RoleUser, "Hello")
//	history, err := store.ListTurns(ctx, userID, conv.ID, 20)
//
// # Storage Location
//
// The SQLite database lives at ~/.rigrun-relay/relay.db unless configured
// otherwise. It runs in WAL mode with a single connection.
package storage
