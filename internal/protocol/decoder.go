// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"errors"
	"io"
)

// MaxBlockSize bounds a single buffered event block.
const MaxBlockSize = 1 << 20

// ErrBlockTooLarge is returned when an incomplete block outgrows MaxBlockSize.
var ErrBlockTooLarge = errors.New("event block exceeds maximum size")

// =============================================================================
// DECODER
// =============================================================================

// Decoder reassembles events from byte chunks of any size. A block is only
// decoded once its terminating blank line has arrived.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns every event completed by it. Comment lines
// and unknown event names are skipped. On a malformed payload the events
// decoded before it are returned along with the error.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	d.buf = append(d.buf, chunk...)
	if bytes.Contains(d.buf, []byte("\r\n")) {
		d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
	}

	var events []Event
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		ev, err := parseBlock(block)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}

	if len(d.buf) > MaxBlockSize {
		d.buf = nil
		return events, ErrBlockTooLarge
	}
	// Release the backing array once drained.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return events, nil
}

// Pending reports whether an incomplete block is buffered.
func (d *Decoder) Pending() bool {
	return len(bytes.TrimSpace(d.buf)) > 0
}

// parseBlock decodes one blank-line-delimited block.
func parseBlock(block []byte) (Event, error) {
	var name string
	var data [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		switch {
		case len(line) == 0 || line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			v := line[5:]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			data = append(data, v)
		}
	}
	if name == "" {
		return nil, nil
	}
	return ParseEvent(name, bytes.Join(data, []byte("\n")))
}

// =============================================================================
// READER
// =============================================================================

// Reader pulls events from a byte stream.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	pending []Event
	chunk   []byte
	err     error
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, dec: NewDecoder(), chunk: make([]byte, 4096)}
}

// Next returns the next event. It returns io.EOF when the stream ends
// cleanly and io.ErrUnexpectedEOF when it ends inside a block.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			events, decErr := r.dec.Feed(r.chunk[:n])
			r.pending = append(r.pending, events...)
			if decErr != nil {
				r.err = decErr
			}
		}
		if err != nil && r.err == nil {
			if errors.Is(err, io.EOF) && r.dec.Pending() {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
