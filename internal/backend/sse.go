// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// STREAMING: Robust SSE parsing with error handling

// MaxChunkSize is the maximum allowed size for a single SSE line (64KB).
const MaxChunkSize = 64 * 1024

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a provider response body.
type sseReader struct {
	reader *bufio.Reader
}

// newSSEReader creates a new SSE reader from an io.Reader.
func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReaderSize(r, 4096)}
}

// errLineTooLong is returned when a single line exceeds MaxChunkSize.
var errLineTooLong = errors.New("sse line exceeds maximum size")

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error. Returns io.EOF when the stream ends.
func (s *sseReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > MaxChunkSize {
			return "", nil, errLineTooLong
		}
		if err != nil {
			if err == io.EOF {
				// Flush a final event that lacks its trailing blank line
				trimmed := bytes.TrimRight(line, "\r\n")
				if bytes.HasPrefix(trimmed, []byte("data:")) {
					dataLines = append(dataLines, bytes.TrimSpace(trimmed[5:]))
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}
}

// isEOF reports whether err marks the normal end of a stream.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
