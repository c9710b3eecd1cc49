// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Flag parsing for each subcommand.
//
// Every subcommand owns a pflag.FlagSet so long and short forms, --flag=value
// and --flag value all behave the same way.

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/server"
)

// DefaultServerURL is where chat and models look for a relay.
const DefaultServerURL = "http://" + server.DefaultAddr

// =============================================================================
// FLAG SETS
// =============================================================================

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)
	return fs
}

// parseFlags parses args, turning --help into a usage error that carries
// the flag defaults.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return &UsageError{Command: fs.Name(), Usage: fs.FlagUsages()}
		}
		return &UsageError{Command: fs.Name(), Err: err, Usage: fs.FlagUsages()}
	}
	return nil
}

// UsageError is a flag parsing failure or an explicit --help.
type UsageError struct {
	Command string
	Err     error
	Usage   string
}

func (e *UsageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("usage: rigrun-relay %s [flags]\n%s", e.Command, e.Usage)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Usage)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// IsHelp reports whether err is an explicit --help request.
func IsHelp(err error) bool {
	u, ok := err.(*UsageError)
	return ok && u.Err == nil
}

// =============================================================================
// SERVE
// =============================================================================

// ServeArgs holds the flags of "serve".
type ServeArgs struct {
	ConfigPath string
	Addr       string
	Store      string
	DBPath     string
}

// ParseServeArgs parses the flags of "serve".
func ParseServeArgs(args []string) (ServeArgs, error) {
	var a ServeArgs
	fs := newFlagSet("serve")
	fs.StringVar(&a.ConfigPath, "config", "", "config file (default ~/.rigrun-relay/config.toml)")
	fs.StringVar(&a.Addr, "addr", "", "listen address")
	fs.StringVar(&a.Store, "store", "", "conversation store: sqlite or memory")
	fs.StringVar(&a.DBPath, "db", "", "SQLite database file")
	if err := parseFlags(fs, args); err != nil {
		return a, err
	}
	if fs.NArg() > 0 {
		return a, &UsageError{Command: "serve", Err: fmt.Errorf("unexpected argument %q", fs.Arg(0)), Usage: fs.FlagUsages()}
	}
	switch a.Store {
	case "", config.StoreSQLite, config.StoreMemory:
	default:
		return a, &UsageError{Command: "serve", Err: fmt.Errorf("invalid --store %q (want sqlite or memory)", a.Store), Usage: fs.FlagUsages()}
	}
	return a, nil
}

// =============================================================================
// CHAT AND MODELS
// =============================================================================

// ClientArgs are the connection flags shared by chat and models.
type ClientArgs struct {
	Server string
	Token  string
}

func (c *ClientArgs) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server, "server", envOr("RELAY_SERVER", DefaultServerURL), "relay URL")
	fs.StringVar(&c.Token, "token", os.Getenv("RELAY_TOKEN"), "bearer token")
}

// ChatArgs holds the flags of "chat".
type ChatArgs struct {
	ClientArgs
	Model          string
	ConversationID string
	Temperature    *float64
	SystemPrompt   string
	Markdown       bool
}

// ParseChatArgs parses the flags of "chat".
func ParseChatArgs(args []string) (ChatArgs, error) {
	var (
		a    ChatArgs
		temp float64
	)
	fs := newFlagSet("chat")
	a.register(fs)
	fs.StringVarP(&a.Model, "model", "m", "", "model id")
	fs.StringVarP(&a.ConversationID, "conversation", "c", "", "conversation id to resume")
	fs.Float64Var(&temp, "temperature", 0, "sampling temperature (0-2)")
	fs.StringVar(&a.SystemPrompt, "system", "", "system prompt override")
	fs.BoolVar(&a.Markdown, "markdown", IsStdoutTTY(), "render replies as markdown")
	if err := parseFlags(fs, args); err != nil {
		return a, err
	}
	if fs.Changed("temperature") {
		if temp < 0 || temp > 2 {
			return a, &UsageError{Command: "chat", Err: fmt.Errorf("--temperature must be between 0 and 2"), Usage: fs.FlagUsages()}
		}
		a.Temperature = &temp
	}
	a.Server = strings.TrimSuffix(a.Server, "/")
	return a, nil
}

// ModelsArgs holds the flags of "models".
type ModelsArgs struct {
	ClientArgs
	JSON bool
}

// ParseModelsArgs parses the flags of "models".
func ParseModelsArgs(args []string) (ModelsArgs, error) {
	var a ModelsArgs
	fs := newFlagSet("models")
	a.register(fs)
	fs.BoolVar(&a.JSON, "json", false, "output JSON")
	if err := parseFlags(fs, args); err != nil {
		return a, err
	}
	return a, nil
}

// =============================================================================
// CONFIG
// =============================================================================

// ConfigArgs holds the subcommand and flags of "config".
type ConfigArgs struct {
	Subcommand string
	Path       string
	Force      bool
	Positional []string
}

// ParseConfigArgs parses "config <subcommand> [args]".
func ParseConfigArgs(args []string) (ConfigArgs, error) {
	var a ConfigArgs
	fs := newFlagSet("config")
	fs.StringVar(&a.Path, "config", "", "config file")
	fs.BoolVarP(&a.Force, "force", "f", false, "overwrite an existing file")
	if err := parseFlags(fs, args); err != nil {
		return a, err
	}
	pos := fs.Args()
	if len(pos) == 0 {
		a.Subcommand = "show"
		return a, nil
	}
	a.Subcommand = strings.ToLower(pos[0])
	a.Positional = pos[1:]
	return a, nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
