// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - List the models a relay can serve.
//
// Command: models
// Short:   List available models
//
// Examples:
//   rigrun-relay models                  Table of models
//   rigrun-relay models --json           Machine readable output
//   rigrun-relay models --server URL     Ask a remote relay
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/client"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// modelsTimeout bounds the models request.
const modelsTimeout = 10 * time.Second

// HandleModels runs the "models" command.
func HandleModels(args []string) error {
	a, err := ParseModelsArgs(args)
	if err != nil {
		return err
	}
	return runModels(a, os.Stdout)
}

func runModels(a ModelsArgs, w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), modelsTimeout)
	defer cancel()

	resp, err := client.NewHTTPClient(a.Server, a.Token).Models(ctx)
	if err != nil {
		return fmt.Errorf("could not list models from %s: %w", a.Server, err)
	}

	if a.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Models) == 0 {
		fmt.Fprintln(w, WarningStyle.Render("No models available. Configure an API key or enable Ollama on the relay."))
		return nil
	}
	fmt.Fprintln(w, renderModelTable(resp.Models, resp.Default, GetTerminalWidth()))
	return nil
}

// renderModelTable lists models one per line. The current model is marked
// with "*".
func renderModelTable(models []model.Descriptor, current string, width int) string {
	idWidth := len("MODEL")
	for _, m := range models {
		if w := util.StringWidth(m.ID); w > idWidth {
			idWidth = w
		}
	}

	var b strings.Builder
	header := fmt.Sprintf("  %s  %-8s  %9s  %s", util.FitWidth("MODEL", idWidth), "BACKEND", "CONTEXT", "NAME")
	b.WriteString(DimStyle.Render(util.TruncateWidth(header, width)))
	for _, m := range models {
		mark := " "
		if m.ID == current {
			mark = "*"
		}
		line := fmt.Sprintf("%s %s  %-8s  %9s  %s",
			mark, util.FitWidth(m.ID, idWidth), m.Backend, formatTokens(m.ContextWindowTokens), m.DisplayName)
		line = util.TruncateWidth(line, width)
		b.WriteString("\n")
		if m.ID == current {
			b.WriteString(HighlightStyle.Render(line))
		} else {
			b.WriteString(line)
		}
	}
	return b.String()
}

// formatTokens renders a context window as "128K" or "1M".
func formatTokens(n int) string {
	switch {
	case n >= 1_000_000 && n%1_000_000 == 0:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%dK", n/1000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
