// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Command: config [subcommand]
// Short:   View and modify configuration
//
// Subcommands:
//   show (default)        Display the configuration with secrets redacted
//   init [--force]        Write a default config file
//   get <key>             Print one value
//   set <key> <value>     Set a value and save
//   path                  Show configuration file path
//   hash-token [token] [user]
//                         Hash a bearer token for auth.tokens
//
// Examples:
//   rigrun-relay config set server.addr 0.0.0.0:8787
//   rigrun-relay config set server.allowed_origins https://a.example,https://b.example
//   rigrun-relay config set default_model gemini-1.5-flash
//   rigrun-relay config get retry.max_retries
//   rigrun-relay config hash-token              Prompts for the token
//
// Flags:
//   --config PATH         Use a different config file
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/identity"
)

// HandleConfig runs the "config" command.
func HandleConfig(args []string) error {
	a, err := ParseConfigArgs(args)
	if err != nil {
		return err
	}
	return runConfig(a, os.Stdout)
}

func runConfig(a ConfigArgs, w io.Writer) error {
	path, err := configPath(a)
	if err != nil {
		return err
	}

	switch a.Subcommand {
	case "show":
		return handleConfigShow(w, path)
	case "init":
		return handleConfigInit(w, path, a.Force)
	case "get":
		if len(a.Positional) != 1 {
			return fmt.Errorf("usage: rigrun-relay config get <key>")
		}
		return handleConfigGet(w, path, a.Positional[0])
	case "set":
		if len(a.Positional) < 2 {
			return fmt.Errorf("usage: rigrun-relay config set <key> <value>")
		}
		return handleConfigSet(w, path, a.Positional[0], strings.Join(a.Positional[1:], " "))
	case "path":
		fmt.Fprintln(w, path)
		return nil
	case "hash-token":
		return handleHashToken(w, a.Positional)
	default:
		return fmt.Errorf("unknown config subcommand: %s\nAvailable: show, init, get, set, path, hash-token", a.Subcommand)
	}
}

func configPath(a ConfigArgs) (string, error) {
	if a.Path != "" {
		return a.Path, nil
	}
	return config.ConfigPathTOML()
}

// loadEditable reads the file without environment overrides, so saving it
// never persists secrets that only live in the environment.
func loadEditable(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), false, nil
	}
	cfg := &config.Config{}
	if err := config.LoadTOML(cfg, path); err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// =============================================================================
// SUBCOMMANDS
// =============================================================================

func handleConfigShow(w io.Writer, path string) error {
	cfg, exists, err := loadEditable(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, TitleStyle.Render("rigrun-relay configuration"))
	if exists {
		fmt.Fprintln(w, DimStyle.Render("# "+path))
	} else {
		fmt.Fprintln(w, DimStyle.Render("# defaults (no file at "+path+")"))
	}
	fmt.Fprintln(w, RenderSeparator(40))

	if err := toml.NewEncoder(w).Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if problems := cfg.ValidateProviders(); len(problems) > 0 {
		fmt.Fprintln(w)
		for _, msg := range problems.Messages() {
			fmt.Fprintf(w, "%s %s\n", WarningStyle.Render("[WARN]"), msg)
		}
	}
	return nil
}

func handleConfigInit(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.SaveTOML(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Wrote %s\n", SuccessStyle.Render("[OK]"), path)
	return nil
}

func handleConfigGet(w io.Writer, path, key string) error {
	cfg, _, err := loadEditable(path)
	if err != nil {
		return err
	}
	v, err := cfg.Redacted().Get(key)
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case []string:
		fmt.Fprintln(w, strings.Join(val, ","))
	default:
		fmt.Fprintln(w, val)
	}
	return nil
}

func handleConfigSet(w io.Writer, path, key, value string) error {
	cfg, _, err := loadEditable(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}

	shown := value
	if isSecretKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Fprintf(w, "%s %s = %s\n", SuccessStyle.Render("[OK]"), key, shown)
	return nil
}

// handleHashToken prints a bcrypt hash and the matching auth.tokens entry.
// The token is read without echo when not given.
func handleHashToken(w io.Writer, args []string) error {
	var token, user string
	if len(args) > 0 {
		token = args[0]
	}
	if len(args) > 1 {
		user = args[1]
	}
	if token == "" {
		fmt.Fprint(os.Stderr, "Token: ")
		t, err := ReadSecret("read a token")
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		token = t
	}
	if user == "" {
		user = "user"
	}

	hash, err := identity.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "[[auth.tokens]]")
	fmt.Fprintf(w, "user = %q\n", user)
	fmt.Fprintf(w, "token_hash = %q\n", hash)
	return nil
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, "_key") || strings.Contains(k, "token")
}
