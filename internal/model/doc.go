// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, turns, and models.
//
// This package defines the core domain types shared by the orchestrator, the
// storage layer, and the client reducer.
//
// # Key Types
//
//   - Turn: One message in a conversation (system, user, or assistant)
//   - TurnKind: Distinguishes real history from a synthetic summary turn
//   - Descriptor: Static description of a supported model
//   - Registry: Immutable lookup table of descriptors, built once at startup
//   - Suggestion: A follow-up prompt offered after a response
//
// # Usage
//
// Build the registry once and pass it to whoever needs it:
//
//	reg := model.DefaultRegistry()
//	desc, ok := reg.Lookup("gpt-4o-mini")
//	if !ok {
//	    return errUnsupported
//	}
//	fmt.Printf("%s: %d tokens\n", desc.DisplayName, desc.ContextWindowTokens)
//
// Create turns:
//
//	turn := model.NewTurn(model.RoleUser, "Hello!")
package model
