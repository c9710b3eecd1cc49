// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry wraps the setup phase of a backend stream in a bounded
// exponential backoff.
//
// A stream counts as set up once its first fragment has been read. Failures
// before that point are retried when they are transient; anything after it
// is surfaced to the caller untouched, since partial output has already gone
// to the client.
//
// # Key Types
//
//   - Policy: retry count and backoff bounds
//   - Supervisor: runs the open-and-peek loop
//   - Report: attempts made and delays applied
//
// # Usage
//
//	sup := retry.NewSupervisor(retry.DefaultPolicy())
//	stream, report, err := sup.Open(ctx, func(ctx context.Context) (backend.Stream, error) {
//	    return dispatcher.Dispatch(ctx, req)
//	})
package retry
