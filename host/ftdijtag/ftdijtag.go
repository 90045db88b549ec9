// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftdijtag implements a jtag.TAP over an FTDI FT232H/FT2232H MPSSE
// engine via periph.io/x/d2xx, driving TMS and TDI/TDO directly with the
// MPSSE opcodes (no generic SPI/I2C framing applies to JTAG's irregular
// TMS-escorted bit shifts).
package ftdijtag

import (
	"errors"
	"fmt"

	"periph.io/x/d2xx"

	"github.com/rvjtag/dtm/conn/jtag"
	"github.com/rvjtag/dtm/conn/jtag/jtagreg"
)

// MPSSE opcodes this driver issues, named and grounded on the FTDI AN_108/
// AN_135 application notes as used by periph's own FTDI MPSSE driver.
const (
	opClock30MHz       byte = 0x8A
	opClockNormal      byte = 0x97
	opClock2Phase      byte = 0x8D
	opLoopbackDisable  byte = 0x85
	opSetD             byte = 0x80
	opSetC             byte = 0x82
	opClockSetDivisor  byte = 0x86
	opFlush            byte = 0x87
	opTMSOutLSBFRise   byte = 0x4A
	opTMSIOLSBFRiseIn  byte = 0x6A
	opDataOutLSBFRise  byte = 0x19 // bytes, out only, LSB first, rising
	opDataIOLSBFRiseIn byte = 0x39 // bytes, out+in, LSB first, rising
	bitModeMPSSE       byte = 0x02
)

// dev is the subset of an FTDI device handle this driver uses. The raw
// d2xx.Handle returns d2xx.Err instead of error, so d2xxDev adapts it.
type dev interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	SetBitMode(mask byte, mode byte) error
	Close() error
}

// d2xxDev adapts a raw d2xx.Handle to dev.
type d2xxDev struct {
	h d2xx.Handle
}

func (d *d2xxDev) Write(b []byte) (int, error) {
	n, e := d.h.Write(b)
	if e != 0 {
		return n, fmt.Errorf("ftdijtag: d2xx write failed: %v", e)
	}
	return n, nil
}

func (d *d2xxDev) Read(b []byte) (int, error) {
	n, e := d.h.Read(b)
	if e != 0 {
		return n, fmt.Errorf("ftdijtag: d2xx read failed: %v", e)
	}
	return n, nil
}

func (d *d2xxDev) SetBitMode(mask, mode byte) error {
	if e := d.h.SetBitMode(mask, mode); e != 0 {
		return fmt.Errorf("ftdijtag: d2xx set bit mode failed: %v", e)
	}
	return nil
}

func (d *d2xxDev) Close() error {
	if e := d.h.Close(); e != 0 {
		return fmt.Errorf("ftdijtag: d2xx close failed: %v", e)
	}
	return nil
}

// TAP implements jtag.TAP over an open FTDI MPSSE device.
type TAP struct {
	d    dev
	name string
}

// Open opens the index-th FTDI device on the host (the D2XX driver
// enumerates by index, not serial), initializes MPSSE mode and sets the
// TCK rate.
func Open(index, clockHz int) (*TAP, error) {
	n, e := d2xx.CreateDeviceInfoList()
	if e != 0 {
		return nil, fmt.Errorf("ftdijtag: list devices: %v", e)
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("ftdijtag: device index %d out of range, %d found", index, n)
	}
	h, e := d2xx.Open(index)
	if e != 0 {
		return nil, fmt.Errorf("ftdijtag: open device %d: %v", index, e)
	}
	d := &d2xxDev{h: h}
	t := &TAP{d: d, name: "ftdijtag"}
	if err := t.initMPSSE(clockHz); err != nil {
		d.Close()
		return nil, err
	}
	return t, nil
}

func (t *TAP) initMPSSE(clockHz int) error {
	if err := t.d.SetBitMode(0, bitModeMPSSE); err != nil {
		return fmt.Errorf("ftdijtag: set MPSSE mode: %w", err)
	}
	cmd := []byte{opClock30MHz, opClockNormal, opClock2Phase, opLoopbackDisable, opSetC, 0, 0, opSetD, 0, 0}
	if clockHz > 0 {
		div := 30000000/clockHz - 1
		if div < 0 {
			div = 0
		}
		cmd = append(cmd, opClockSetDivisor, byte(div), byte(div>>8))
	}
	if _, err := t.d.Write(cmd); err != nil {
		return fmt.Errorf("ftdijtag: init MPSSE: %w", err)
	}
	return nil
}

func (t *TAP) String() string { return t.name }

// SelectIR walks the TAP from Run-Test/Idle into Shift-IR, shifts the
// 5-bit instruction and leaves through Exit1/Update. The TAP shifts on
// every clock spent in Shift-IR, including the one that moves it to
// Exit1, so only the first four bits are plain data clocks; the fifth
// rides the exit TMS run (see exitShift).
func (t *TAP) SelectIR(ir jtag.IR) error {
	// Shift-IR entry from Run-Test/Idle: TMS 1,1,0,0 (Select-DR, Select-IR,
	// Capture-IR, Shift-IR).
	if err := t.tms(4, 0b0011); err != nil {
		return err
	}
	if _, err := t.shiftBits(4, []byte{byte(ir)}, false); err != nil {
		return err
	}
	_, err := t.exitShift(byte(ir>>4)&1, false)
	return err
}

// ShiftDR shifts bits bits of out, entering from Run-Test/Idle through
// Shift-DR and leaving through Exit1/Update, per the jtag.TAP contract.
// The first bits-1 bits are plain data clocks; the last bit rides the
// exit TMS run, and its TDO bit is folded back into the result.
func (t *TAP) ShiftDR(bits int, out []byte) ([]byte, error) {
	if bits < 1 {
		return nil, errors.New("ftdijtag: ShiftDR needs at least one bit")
	}
	// Shift-DR entry from Run-Test/Idle: TMS 1,0,0 (Select-DR, Capture-DR,
	// Shift-DR).
	if err := t.tms(3, 0b001); err != nil {
		return nil, err
	}
	in, err := t.shiftBits(bits-1, out, true)
	if err != nil {
		return nil, err
	}
	last, err := t.exitShift(bitOf(out, bits-1), true)
	if err != nil {
		return nil, err
	}
	for len(in) < (bits+7)/8 {
		in = append(in, 0)
	}
	if last != 0 {
		in[(bits-1)/8] |= 1 << ((bits - 1) % 8)
	}
	return in, nil
}

func (t *TAP) RunTestIdle(cycles int) error {
	if cycles <= 0 {
		return nil
	}
	return t.tms(cycles, 0)
}

func (t *TAP) Close() error { return t.d.Close() }

// tms clocks n TMS bits (LSB first out of pattern) while holding TDI low:
// the MPSSE engine drives bit 7 of the pattern byte on TDI for the whole
// run.
func (t *TAP) tms(n int, pattern byte) error {
	if n <= 0 {
		return nil
	}
	if n > 7 {
		return errors.New("ftdijtag: tms run too long for a single MPSSE short command")
	}
	cmd := []byte{opTMSOutLSBFRise, byte(n - 1), pattern}
	_, err := t.d.Write(cmd)
	return err
}

// exitShift leaves Shift-IR/DR through Exit1 and Update back to
// Run-Test/Idle (TMS 1,1,0), carrying the final data bit in bit 7 of the
// TMS pattern byte, which the MPSSE engine holds on TDI for the run. Only
// the first of the three clocks still shifts (it is the one leaving the
// Shift state); with readBack the TDO bit it captures is returned.
func (t *TAP) exitShift(lastTDI byte, readBack bool) (byte, error) {
	op := opTMSOutLSBFRise
	if readBack {
		op = opTMSIOLSBFRiseIn
	}
	cmd := []byte{op, 2, 0b011 | lastTDI<<7}
	if _, err := t.d.Write(cmd); err != nil {
		return 0, fmt.Errorf("ftdijtag: exit shift: %w", err)
	}
	if !readBack {
		return 0, nil
	}
	resp := make([]byte, 1)
	if _, err := t.d.Read(resp); err != nil {
		return 0, fmt.Errorf("ftdijtag: exit shift readback: %w", err)
	}
	// Bit-mode reads land MSB first: the bit captured on the first of the
	// three clocks sits at position 8-3.
	return (resp[0] >> 5) & 1, nil
}

// bitOf returns bit i of b, LSB first, or 0 past the end.
func bitOf(b []byte, i int) byte {
	if i/8 >= len(b) {
		return 0
	}
	return (b[i/8] >> (i % 8)) & 1
}

// shiftBits shifts bits bits of out through TDI/TDO, LSB first, using long
// byte-wise MPSSE transfers for whole bytes and a short bit transfer for
// the remainder. Every requested bit is a plain TMS=0 data clock; the
// caller keeps the final bit of a register shift out of this count and
// sends it through exitShift instead.
func (t *TAP) shiftBits(bits int, out []byte, readBack bool) ([]byte, error) {
	nbytes := bits / 8
	rem := bits % 8
	in := make([]byte, 0, (bits+7)/8)
	if nbytes > 0 {
		op := opDataOutLSBFRise
		if readBack {
			op = opDataIOLSBFRiseIn
		}
		cmd := []byte{op, byte(nbytes - 1), byte((nbytes - 1) >> 8)}
		cmd = append(cmd, out[:nbytes]...)
		if _, err := t.d.Write(cmd); err != nil {
			return nil, fmt.Errorf("ftdijtag: shift: %w", err)
		}
		if readBack {
			buf := make([]byte, nbytes)
			if _, err := t.d.Read(buf); err != nil {
				return nil, fmt.Errorf("ftdijtag: shift readback: %w", err)
			}
			in = append(in, buf...)
		}
	}
	if rem > 0 {
		var b byte
		if nbytes < len(out) {
			b = out[nbytes]
		}
		op := byte(0x1A) // data out, bits, LSB first, rising
		if readBack {
			op = 0x3B // data out+in, bits, LSB first, rising
		}
		cmd := []byte{op, byte(rem - 1), b}
		if _, err := t.d.Write(cmd); err != nil {
			return nil, fmt.Errorf("ftdijtag: shift tail: %w", err)
		}
		if readBack {
			tail := make([]byte, 1)
			if _, err := t.d.Read(tail); err != nil {
				return nil, fmt.Errorf("ftdijtag: shift tail readback: %w", err)
			}
			in = append(in, tail[0]>>(8-rem))
		}
	}
	return in, nil
}

// opener adapts Open to jtagreg.Opener; the index is captured
// per-registration so multiple devices can be registered under distinct
// names.
func opener(index, clockHz int) jtagreg.Opener {
	return func() (jtag.TAP, error) { return Open(index, clockHz) }
}

// Register registers an FTDI probe under name (and any aliases) with
// jtagreg, so callers can jtagreg.Open(name) without importing this
// package directly.
func Register(name string, aliases []string, index, clockHz int) error {
	return jtagreg.Register(name, aliases, opener(index, clockHz))
}

var _ jtag.TAP = (*TAP)(nil)
