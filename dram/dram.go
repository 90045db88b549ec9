// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dram implements the Debug RAM Executor: it stages a stub (package
// stubs) into Debug RAM and drives its execution to completion over a
// conn/dbus.Link.
//
// The completion slot for a given exec call is len(code), one past the last
// word written - not a fixed dbus address. Exec refuses code longer than
// dramsize words, so staged words never reach Debug RAM word dramsize; the
// completion slot it polls may be word dramsize itself.
package dram

import (
	"context"
	"fmt"

	"github.com/rvjtag/dtm/conn/dbus"
)

// InterruptBit is bit 33 of the 34-bit dbus data field (1<<33). Setting it
// on the final word written instructs the hart to resume Debug RAM
// execution from address 0x400; the hart clears it when the stub jumps to
// <resume>.
const InterruptBit = uint64(1) << 33

// Executor stages code into Debug RAM over a dbus.Link and polls it to
// completion.
type Executor struct {
	link     *dbus.Link
	dramsize uint8 // words of Debug RAM minus one (dminfo[15:10])

	// PollLimit bounds the busy-wait loop. Zero means unbounded: a hung
	// hart hangs the driver, which is the intended default since there is
	// no way to tell a slow stub from a dead one. A caller that wants a
	// bound instead can set it.
	PollLimit int
}

// NewExecutor constructs an Executor. dramsize must be large enough to
// hold the longest stub in the catalog plus its completion slot; a hart
// with less Debug RAM than that cannot run every stub and is refused here
// rather than overrun later.
func NewExecutor(link *dbus.Link, dramsize uint8, minWords int) (*Executor, error) {
	if int(dramsize) < minWords {
		return nil, fmt.Errorf("dram: debug ram too small: dramsize=%d, need >= %d", dramsize, minWords)
	}
	return &Executor{link: link, dramsize: dramsize}, nil
}

// DramSize returns the live dramsize discovered at construction.
func (e *Executor) DramSize() uint8 { return e.dramsize }

// Exec stages code into Debug RAM words 0..len(code)-1, writes the final
// word with InterruptBit set, polls word len(code) until the bit clears,
// and returns the low 32 bits of the final poll.
//
// It writes exactly len(code) words, then checks ctx before each poll of
// the completion slot, so an already-canceled ctx returns before the first
// poll. ctx is not checked while the words are staged: the model is
// synchronous and caller-driven, and there is no way to abort a JTAG shift
// already in flight.
//
// When PollLimit is set and reached, Exec returns an error; it does not
// latch the link's sticky error flag.
func (e *Executor) Exec(ctx context.Context, code []uint32) (uint32, error) {
	n := len(code)
	if n == 0 {
		return 0, fmt.Errorf("dram: Exec called with empty code")
	}
	if n > int(e.dramsize) {
		return 0, fmt.Errorf("dram: stub needs %d words, dramsize is %d", n, e.dramsize)
	}
	for i := 0; i < n-1; i++ {
		if err := e.link.Write(uint64(i), uint64(code[i])); err != nil {
			return 0, err
		}
	}
	last := uint64(code[n-1]) | InterruptBit
	if err := e.link.Write(uint64(n-1), last); err != nil {
		return 0, err
	}

	polls := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v, err := e.link.Read(uint64(n))
		if err != nil {
			return 0, err
		}
		polls++
		if v&InterruptBit == 0 {
			return uint32(v), nil
		}
		if e.PollLimit > 0 && polls >= e.PollLimit {
			return 0, fmt.Errorf("dram: exceeded %d polls waiting for stub completion", e.PollLimit)
		}
	}
}
