// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command routing and usage text for rigrun-relay.
package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdChat
	CmdModels
	CmdConfig
	CmdVersion
	CmdUnknown
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdHelp:
		return "help"
	case CmdServe:
		return "serve"
	case CmdChat:
		return "chat"
	case CmdModels:
		return "models"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	default:
		return "unknown"
	}
}

const usageText = `rigrun-relay - streaming conversation relay for OpenAI, Gemini and Ollama

Usage:
  rigrun-relay serve [flags]            Run the HTTP relay
  rigrun-relay chat [flags]             Interactive chat against a relay
  rigrun-relay models [flags]           List models the relay can serve
  rigrun-relay config <subcommand>      Configuration management
  rigrun-relay version                  Show version information
  rigrun-relay help                     Show this help

Serve Flags:
  --config PATH         Config file (default: ~/.rigrun-relay/config.toml)
  --addr HOST:PORT      Listen address (overrides server.addr)
  --store sqlite|memory Conversation store (overrides storage.driver)
  --db PATH             SQLite database file (overrides storage.path)

Chat Flags:
  --server URL          Relay URL (default: $RELAY_SERVER or http://127.0.0.1:8787)
  --token TOKEN         Bearer token (default: $RELAY_TOKEN)
  -m, --model ID        Model to use (default: server default)
  -c, --conversation ID Resume a stored conversation
  --temperature N       Sampling temperature (0-2)
  --system PROMPT       System prompt override
  --markdown            Render replies as markdown (default: true on a terminal)

Config Commands:
  rigrun-relay config init [--force]    Write a default config file
  rigrun-relay config show              Print the config with secrets redacted
  rigrun-relay config get KEY           Print one value (e.g. server.addr)
  rigrun-relay config set KEY VALUE     Change one value and save
  rigrun-relay config path              Print the config file location
  rigrun-relay config hash-token [TOKEN]
                                        Print a bcrypt hash for auth.tokens

Environment:
  RELAY_OPENAI_API_KEY, OPENAI_API_KEY  OpenAI credentials
  RELAY_GEMINI_API_KEY, GOOGLE_GENAI_API_KEY
                                        Gemini credentials
  RELAY_OLLAMA_URL, OLLAMA_HOST         Enable Ollama at this URL
  RELAY_ADDR, RELAY_MODEL, RELAY_STORE, RELAY_DB, RELAY_AUTH
  NO_COLOR                              Disable colored output
`

// Parse maps argv (without the program name) to a command and its
// remaining arguments.
func Parse(argv []string) (Command, []string) {
	if len(argv) == 0 {
		return CmdHelp, nil
	}
	rest := argv[1:]
	switch strings.ToLower(argv[0]) {
	case "serve", "server":
		return CmdServe, rest
	case "chat":
		return CmdChat, rest
	case "models":
		return CmdModels, rest
	case "config":
		return CmdConfig, rest
	case "version", "--version", "-v":
		return CmdVersion, rest
	case "help", "--help", "-h":
		return CmdHelp, rest
	default:
		return CmdUnknown, argv
	}
}

// PrintUsage writes the usage text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version and build information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "rigrun-relay %s\n", Version)
	fmt.Fprintf(w, "  Commit:  %s\n", GitCommit)
	fmt.Fprintf(w, "  Built:   %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
