// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang implements a jtag.TAP by driving four (optionally five,
// with TRST) periph.io/x/conn/v3/gpio.PinIO pins directly: TCK, TMS, TDI
// and TDO, looked up by name through gpioreg the same way host/sysfs and
// host/bcm283x hand out gpio.PinIO values elsewhere in this stack.
//
// This is the slowest and least production-worthy of the three concrete
// TAP backends (one syscall-ish pin toggle per clock edge), but it needs
// no MPSSE or vendor chip at all: any host with four spare GPIOs works.
package bitbang

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/pin"

	"github.com/rvjtag/dtm/conn/jtag"
	"github.com/rvjtag/dtm/conn/jtag/jtagreg"
)

// TAP drives JTAG by toggling GPIO pins directly.
type TAP struct {
	tck, tms, tdi, tdo, trst gpio.PinIO
}

// Pins names the four (or five) GPIO pins to use, by the name gpioreg
// knows them under (e.g. "GPIO17").
type Pins struct {
	TCK, TMS, TDI, TDO string
	TRST               string // optional; empty disables reset control
}

// Open resolves p's pin names through gpioreg and configures directions:
// TCK/TMS/TDI(/TRST) as outputs, TDO as input.
func Open(p Pins) (*TAP, error) {
	t := &TAP{}
	var err error
	if t.tck, err = resolveOut(p.TCK, jtag.TCK); err != nil {
		return nil, err
	}
	if t.tms, err = resolveOut(p.TMS, jtag.TMS); err != nil {
		return nil, err
	}
	if t.tdi, err = resolveOut(p.TDI, jtag.TDI); err != nil {
		return nil, err
	}
	if t.tdo = gpioreg.ByName(p.TDO); t.tdo == nil {
		return nil, fmt.Errorf("bitbang: unknown TDO pin %q", p.TDO)
	}
	if err := t.tdo.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("bitbang: configure TDO %s as input: %w", p.TDO, err)
	}
	if p.TRST != "" {
		if t.trst, err = resolveOut(p.TRST, jtag.TRST); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func resolveOut(name string, role pin.Func) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("bitbang: unknown %s pin %q", role, name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("bitbang: configure %s pin %s as output: %w", role, name, err)
	}
	return p, nil
}

func (t *TAP) String() string { return "bitbang" }

func (t *TAP) clock(tms, tdi gpio.Level) (tdo gpio.Level) {
	_ = t.tms.Out(tms)
	_ = t.tdi.Out(tdi)
	_ = t.tck.Out(gpio.High)
	tdo = t.tdo.Read()
	_ = t.tck.Out(gpio.Low)
	return tdo
}

// SelectIR enters Shift-IR from Run-Test/Idle (TMS 1,1,0,0) and shifts
// the 5-bit instruction; shift raises TMS on the final bit and walks back
// to Run-Test/Idle.
func (t *TAP) SelectIR(ir jtag.IR) error {
	t.walkTMS(0b0011, 4)
	t.shift(5, []byte{byte(ir)}, nil)
	return nil
}

// ShiftDR enters Shift-DR from Run-Test/Idle (TMS 1,0,0) and shifts bits
// bits of out, returning what came out of TDO.
func (t *TAP) ShiftDR(bits int, out []byte) ([]byte, error) {
	t.walkTMS(0b001, 3)
	in := make([]byte, (bits+7)/8)
	t.shift(bits, out, in)
	return in, nil
}

func (t *TAP) RunTestIdle(cycles int) error {
	for i := 0; i < cycles; i++ {
		t.clock(gpio.Low, gpio.Low)
	}
	return nil
}

func (t *TAP) Close() error { return nil }

func (t *TAP) walkTMS(pattern byte, n int) {
	for i := 0; i < n; i++ {
		bit := (pattern >> uint(i)) & 1
		t.clock(gpio.Level(bit != 0), gpio.Low)
	}
}

// shift clocks bits bits of out (LSB first) into TDI, capturing TDO into
// in (which may be nil to discard the readback). The TAP keeps shifting
// on every clock spent in the Shift state, including the one that leaves
// it, so the last bit is clocked with TMS high (the Exit1 transition) and
// the walk back to Run-Test/Idle only needs Update and the idle entry.
func (t *TAP) shift(bits int, out, in []byte) {
	for i := 0; i < bits; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		var tdi gpio.Level
		if byteIdx < len(out) {
			tdi = gpio.Level((out[byteIdx]>>bitIdx)&1 != 0)
		}
		tdo := t.clock(gpio.Level(i == bits-1), tdi)
		if in != nil && tdo {
			in[byteIdx] |= 1 << bitIdx
		}
	}
	// Exit1 -> Update -> Run-Test/Idle.
	t.walkTMS(0b01, 2)
}

// Register registers a bitbang probe under name with jtagreg.
func Register(name string, aliases []string, p Pins) error {
	return jtagreg.Register(name, aliases, func() (jtag.TAP, error) { return Open(p) })
}

var _ jtag.TAP = (*TAP)(nil)
