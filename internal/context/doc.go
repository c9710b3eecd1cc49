// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package context keeps conversation history inside a model's context window.
//
// Token cost is approximated from character counts. When the history would
// use more than a threshold fraction of the window, the middle of the
// conversation is collapsed into one synthetic summary turn while the leading
// system turns and the most recent turns stay verbatim.
//
// # Key Types
//
//   - Estimator: pluggable token estimate (CharEstimator by default)
//   - Manager: decides whether to summarize and rebuilds the turn list
//   - Summarizer: produces the condensed text (LLMSummarizer, FallbackSummarizer)
//   - Result: the reduced turns plus the WasSummarized flag
//
// # Usage
//
//	mgr := context.NewManager(context.DefaultConfig())
//	res, err := mgr.Build(ctx, history, desc.ContextWindowTokens,
//	    context.NewLLMSummarizer(aux))
//
// Summary turns live only for the duration of one request and are never
// written back to storage.
package context
