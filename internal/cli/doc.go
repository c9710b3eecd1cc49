// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-relay commands.
//
// # Key Types
//
//   - Command: Enumeration of the available commands
//   - App: A fully wired relay (adapters, store, orchestrator, server)
//   - ChatSession: State of an interactive chat against a relay
//   - UsageError: Flag parsing failures and --help requests
//
// # Usage
//
//	cmd, args := cli.Parse(os.Args[1:])
//	switch cmd {
//	case cli.CmdServe:
//	    err = cli.HandleServe(args)
//	case cli.CmdChat:
//	    err = cli.HandleChat(args)
//	// ... other commands
//	}
//
// # Commands Overview
//
//   - serve: Run the HTTP relay with config hot reload
//   - chat: Interactive streaming chat with search, suggestions and cancel
//   - models: List models the relay can serve
//   - config: Show, edit and initialize the config file
//   - version: Build information
package cli
