// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"io"
	"net/http"
)

// Encoder writes framed events. It is not safe for concurrent use.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event and flushes w if it is an http.Flusher.
func (e *Encoder) Encode(ev Event) error {
	data, err := Payload(ev)
	if err != nil {
		return err
	}

	e.buf.Reset()
	e.buf.WriteString("event: ")
	e.buf.WriteString(ev.Name())
	e.buf.WriteString("\ndata: ")
	e.buf.Write(data)
	e.buf.WriteString("\n\n")

	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Marshal returns the framed bytes for one event.
func Marshal(ev Event) ([]byte, error) {
	var b bytes.Buffer
	if err := NewEncoder(&b).Encode(ev); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
