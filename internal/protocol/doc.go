// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the stream events sent to clients and their wire
// framing.
//
// Each event is written as an event name line, a JSON data line and a blank
// line:
//
//	event: token
//	data: {"delta":"Hel"}
//
// A run always produces Meta, zero or more Token, then exactly one terminal
// event: Done (optionally followed by Suggestions) or Error.
//
// # Key Types
//
//   - Event: sealed interface over MetaEvent, TokenEvent, DoneEvent,
//     SuggestionsEvent and ErrorEvent
//   - Encoder: writes and flushes framed events
//   - Decoder: reassembles events from arbitrarily split byte chunks
//   - Reader: pulls events from an io.Reader
//   - Validator: enforces event ordering
package protocol
