// rigrun-relay - A streaming conversation relay for OpenAI, Gemini and Ollama.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/jeranaias/rigrun-relay/internal/cli"
	"github.com/jeranaias/rigrun-relay/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli and server packages
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
	server.Version = Version
}

func main() {
	cmd, args := cli.Parse(os.Args[1:])

	var err error
	switch cmd {
	case cli.CmdServe:
		err = cli.HandleServe(args)
	case cli.CmdChat:
		err = cli.HandleChat(args)
	case cli.CmdModels:
		err = cli.HandleModels(args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "%s unknown command %q\n\n", cli.ErrorStyle.Render("Error:"), args[0])
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		if cli.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
