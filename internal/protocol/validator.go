// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is wrapped by every ordering violation.
var ErrOutOfOrder = errors.New("event out of order")

type phase int

const (
	phaseStart phase = iota
	phaseStreaming
	phaseDone
	phaseClosed
)

// Validator checks that a sequence matches Meta, Token*, (Done Suggestions? | Error).
type Validator struct {
	phase phase
	count int
}

// Observe records ev and reports whether it is allowed at this point.
// A rejected event does not change the validator's state.
func (v *Validator) Observe(ev Event) error {
	next, ok := v.transition(ev)
	if !ok {
		return fmt.Errorf("%w: %s after %d events", ErrOutOfOrder, ev.Name(), v.count)
	}
	v.phase = next
	v.count++
	return nil
}

func (v *Validator) transition(ev Event) (phase, bool) {
	switch v.phase {
	case phaseStart:
		if _, ok := ev.(MetaEvent); ok {
			return phaseStreaming, true
		}
	case phaseStreaming:
		switch ev.(type) {
		case TokenEvent:
			return phaseStreaming, true
		case DoneEvent:
			return phaseDone, true
		case ErrorEvent:
			return phaseClosed, true
		}
	case phaseDone:
		if _, ok := ev.(SuggestionsEvent); ok {
			return phaseClosed, true
		}
	}
	return v.phase, false
}

// Terminated reports whether Done or Error has been observed.
func (v *Validator) Terminated() bool {
	return v.phase == phaseDone || v.phase == phaseClosed
}

// Count returns the number of accepted events.
func (v *Validator) Count() int {
	return v.count
}

// Validate checks a complete sequence. It must end in a terminal state.
func Validate(events []Event) error {
	var v Validator
	for _, ev := range events {
		if err := v.Observe(ev); err != nil {
			return err
		}
	}
	if !v.Terminated() {
		return fmt.Errorf("%w: stream ended without a terminal event", ErrOutOfOrder)
	}
	return nil
}
