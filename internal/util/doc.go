// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small file and terminal text helpers.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - AtomicWriteFileWithDir: Same, with explicit parent directory permissions
//
// Display Width:
//   - StringWidth: Terminal columns a string occupies
//   - TruncateWidth: Cut a string to a column budget with an ellipsis
//   - FitWidth: Truncate or pad to an exact column count
//   - TruncateRunes: Rune-safe truncation for previews
//
// # Usage
//
//	// Fit a search snippet into the terminal
//	line := util.TruncateWidth(snippet, termWidth-4)
//
//	// Write files atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0600)
package util
