// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package jtag defines the API to communicate with devices over the JTAG
// protocol.
//
// Package jtag only defines the TAP boundary: selecting an instruction
// register, shifting a data register of a given width, and idling through
// run-test/idle. It intentionally knows nothing about Debug-Bus, Debug RAM,
// or any target architecture; those live in sibling packages (conn/dbus,
// dram, stubs, riscv) that are built entirely in terms of TAP.
//
// See https://en.wikipedia.org/wiki/JTAG for background information.
package jtag

import "fmt"

// IR is a well known JTAG instruction register value.
//
// The RISC-V debug draft 0.11 DTM defines four: IDCODE, DTMCONTROL, DBUS and
// BYPASS. A TAP may support more (boundary scan, etc) but this package only
// names the ones the DTM link needs.
type IR uint8

// Instruction register values defined by the RISC-V external debug support
// draft 0.11 DTM.
const (
	IRIDCODE     IR = 0x01
	IRDTMCONTROL IR = 0x10
	IRDBUS       IR = 0x11
	IRBYPASS     IR = 0x1F
)

func (i IR) String() string {
	switch i {
	case IRIDCODE:
		return "IDCODE"
	case IRDTMCONTROL:
		return "DTMCONTROL"
	case IRDBUS:
		return "DBUS"
	case IRBYPASS:
		return "BYPASS"
	default:
		return fmt.Sprintf("IR(%#02x)", uint8(i))
	}
}

// TAP is the lowest level JTAG collaborator this driver consumes.
//
// It is the lower JTAG TAP bit-banger: select IR, shift a DR of N bits with
// parallel in/out buffers, and emit a run of TMS=0 cycles through
// run-test/idle. Everything above this interface (conn/dbus, dram, stubs,
// riscv, trigger) is expressed purely in terms of TAP and has no notion of
// how the bits physically reach the hart.
type TAP interface {
	fmt.Stringer

	// SelectIR shifts ir into the instruction register.
	SelectIR(ir IR) error

	// ShiftDR shifts bits bits of out into the data register and returns the
	// bits that were shifted out of TDO, also bits wide (packed LSB-first into
	// bytes, same convention as out).
	ShiftDR(bits int, out []byte) ([]byte, error)

	// RunTestIdle clocks cycles TMS=0 cycles through the run-test/idle state.
	RunTestIdle(cycles int) error

	// Close releases the underlying transport.
	Close() error
}
