// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dbus implements the serial Debug-Bus transaction layer that rides
// on top of a JTAG TAP (package conn/jtag) as defined by the RISC-V external
// debug support draft 0.11 DTM.
//
// A dbus shift is abits+36 bits wide: (addr<<36) | (data34<<2) | op. The
// returned shift has the same width; its low 2 bits are the status and the
// next 34 bits are the read result. Status 2 latches a sticky error on the
// Link; status 3 triggers a DBUS reset and replay of the last successfully
// committed shift.
package dbus

import (
	"fmt"
	"log"
	"math/big"

	"github.com/rvjtag/dtm/conn/jtag"
)

// Op is the 2-bit dbus operation code carried in the low bits of every
// shift.
type Op uint8

// dbus operation codes.
const (
	OpNop   Op = 0
	OpRead  Op = 1
	OpWrite Op = 2
)

// Status is the 2-bit response code returned in the low bits of every
// shift.
type Status uint8

// dbus response status codes. Status 1 is reserved by the draft 0.11 DTM
// and is treated the same as Failed: a protocol we don't understand is
// safer to latch than to silently misinterpret.
const (
	StatusOK      Status = 0
	StatusFailed  Status = 2
	StatusRetry   Status = 3
	statusUnknown Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusRetry:
		return "retry"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Well known dbus addresses, fixed by the draft 0.11 DTM. Debug RAM occupies
// addresses [0, dramsize], dmcontrol and dminfo sit just above it.
const (
	AddrDMControl uint64 = 0x10
	AddrDMInfo    uint64 = 0x11

	// dbusresetBit is bit 16 of the 32-bit dtmcontrol register; writing it
	// resets the dbus state machine.
	dbusresetBit uint32 = 1 << 16

	dataBits    = 34
	statusBits  = 2
	shiftHeader = dataBits + statusBits // 36
)

var dataMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), dataBits), big.NewInt(1))

// HALTNOT is bit 32 of the dmcontrol data34 field: it reads 1 while the
// hart is halted. The name comes straight from the draft 0.11 register
// description.
const HALTNOT = uint64(1) << 32

// DMInfo decodes the fields of dbus address AddrDMInfo consumed by this
// driver.
type DMInfo struct {
	Version       uint8
	Authenticated bool
	DebugRAMSize  uint8 // words of Debug RAM minus one
}

// DecodeDMInfo extracts the fields this driver cares about from a raw
// dminfo read.
//
// dmversion is primarily bits [1:0]; bits [5:4] are a fallback location
// used only when [1:0] reads zero, since bit 5 also carries the
// authenticated flag and a hart reporting authenticated=1 always drives
// bit 5 high regardless of its version.
func DecodeDMInfo(v uint64) DMInfo {
	version := uint8(v & 0x3)
	if version == 0 {
		version = uint8((v >> 4) & 0x3)
	}
	return DMInfo{
		Version:       version,
		Authenticated: v&(1<<5) != 0,
		DebugRAMSize:  uint8((v >> 10) & 0x3F),
	}
}

// Link is the DTM transaction layer: reset/write/read over dbus.
//
// Link never returns a logical protocol error out of band (per the draft
// 0.11 semantics): once Error() latches, every Read/Write becomes a no-op
// returning the zero value. The error returned by Read/Write/Reset is only
// ever a transport-level failure from the underlying jtag.TAP (e.g. a
// disconnected probe); it is orthogonal to the sticky bus error.
type Link struct {
	tap   jtag.TAP
	abits int
	idle  int

	// MaxRetries bounds the status-3 recovery loop. Zero means unbounded, as
	// required by the protocol (status 3 means busy, not broken). A caller
	// that wants a hung link to eventually surface as a sticky error
	// (instead of hanging the process) can set this.
	MaxRetries int

	sticky   bool
	lastDbus *big.Int
}

// NewLink constructs a Link once abits and idle have been discovered by
// scanning dtmcontrol (see ScanDTMControl).
func NewLink(tap jtag.TAP, abits, idle int) (*Link, error) {
	if abits < 0 || abits > 63 {
		return nil, fmt.Errorf("dbus: invalid abits %d", abits)
	}
	if idle < 0 || idle > 7 {
		return nil, fmt.Errorf("dbus: invalid idle count %d", idle)
	}
	return &Link{tap: tap, abits: abits, idle: idle, lastDbus: big.NewInt(0)}, nil
}

// ScanDTMControl shifts the 32-bit dtmcontrol register and decodes version,
// abits and idle, the one-time discovery step that precedes constructing a
// Link.
func ScanDTMControl(tap jtag.TAP) (version uint8, abits, idle int, err error) {
	if err = tap.SelectIR(jtag.IRDTMCONTROL); err != nil {
		return 0, 0, 0, fmt.Errorf("dbus: select dtmcontrol: %w", err)
	}
	in, err := tap.ShiftDR(32, make([]byte, 4))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("dbus: shift dtmcontrol: %w", err)
	}
	v := decodeLE(in, 32)
	version = uint8(v & 0xF)
	abitsLow := (v >> 4) & 0xF
	abitsHigh := (v >> 13) & 0x3
	abits = int(abitsHigh<<4 | abitsLow)
	idle = int((v >> 10) & 0x7)
	return version, abits, idle, nil
}

// Width returns the total bit width of a dbus shift: abits+36.
func (l *Link) Width() int { return l.abits + shiftHeader }

// Error reports whether the sticky bus error is currently latched.
func (l *Link) Error() bool { return l.sticky }

// Reset issues a DBUS reset: select dtmcontrol, shift DBUSRESET, reselect
// dbus. It does not by itself clear the sticky error flag; CheckError is
// the only entry point that does.
func (l *Link) Reset() error {
	return l.resetBus()
}

// CheckError is the public entry point for clearing the sticky error. It
// always issues a DBUS reset first, then clears the flag, and reports
// whether an error had been latched.
func (l *Link) CheckError() (hadError bool, err error) {
	hadError = l.sticky
	if err = l.resetBus(); err != nil {
		return hadError, err
	}
	l.sticky = false
	return hadError, nil
}

// Write performs a dbus write transaction. It never returns a non-nil error
// once the link is in the sticky error state; it simply performs no I/O.
func (l *Link) Write(addr, data34 uint64) error {
	_, err := l.transact(OpWrite, addr, data34)
	return err
}

// Read performs a dbus read, which is two shifts on the wire: the first
// arms the read at addr, the second (a NOP) returns the result, since the
// DTM's response always carries the previous transaction's data.
func (l *Link) Read(addr uint64) (uint64, error) {
	if l.sticky {
		return 0, nil
	}
	if _, err := l.transact(OpRead, addr, 0); err != nil {
		return 0, err
	}
	if l.sticky {
		return 0, nil
	}
	return l.transact(OpNop, 0, 0)
}

func (l *Link) transact(op Op, addr, data34 uint64) (uint64, error) {
	if l.sticky {
		return 0, nil
	}
	retries := 0
	for {
		sent, status, data, err := l.shiftOnce(op, addr, data34)
		if err != nil {
			return 0, err
		}
		switch status {
		case StatusOK:
			l.lastDbus = sent
			return data, nil
		case StatusFailed:
			l.sticky = true
			log.Printf("dbus: status 2 (failed), latching sticky error")
			return 0, nil
		case StatusRetry:
			if l.MaxRetries > 0 {
				retries++
				if retries > l.MaxRetries {
					l.sticky = true
					log.Printf("dbus: exhausted %d retries waiting on status 3, latching sticky error", l.MaxRetries)
					return 0, nil
				}
			}
			if err := l.recover(); err != nil {
				return 0, err
			}
			continue
		default:
			l.sticky = true
			log.Printf("dbus: unexpected status %d, latching sticky error", status)
			return 0, nil
		}
	}
}

// shiftOnce performs a single dbus shift and decodes the response. It
// returns the exact value sent (for lastDbus bookkeeping on commit).
func (l *Link) shiftOnce(op Op, addr, data34 uint64) (sent *big.Int, status Status, data uint64, err error) {
	d := new(big.Int).SetUint64(data34)
	d.And(d, dataMask)
	value := new(big.Int).Lsh(new(big.Int).SetUint64(addr), shiftHeader)
	value.Or(value, new(big.Int).Lsh(d, statusBits))
	value.Or(value, big.NewInt(int64(op)))

	if err = l.tap.SelectIR(jtag.IRDBUS); err != nil {
		return nil, 0, 0, fmt.Errorf("dbus: select dbus: %w", err)
	}
	out := encodeLE(value, l.Width())
	in, err := l.tap.ShiftDR(l.Width(), out)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dbus: shift: %w", err)
	}
	if err = l.tap.RunTestIdle(l.idle); err != nil {
		return nil, 0, 0, fmt.Errorf("dbus: idle: %w", err)
	}
	resp := decodeLEBig(in, l.Width())
	status = Status(new(big.Int).And(resp, big.NewInt(3)).Uint64())
	rd := new(big.Int).Rsh(resp, statusBits)
	rd.And(rd, dataMask)
	log.Printf("dbus: shift addr=%#x data=%#x op=%d status=%s", addr, data34, op, status)
	return value, status, rd.Uint64(), nil
}

func (l *Link) resetBus() error {
	if err := l.tap.SelectIR(jtag.IRDTMCONTROL); err != nil {
		return fmt.Errorf("dbus: select dtmcontrol: %w", err)
	}
	if _, err := l.tap.ShiftDR(32, encodeLE(new(big.Int).SetUint64(uint64(dbusresetBit)), 32)); err != nil {
		return fmt.Errorf("dbus: shift dbusreset: %w", err)
	}
	if err := l.tap.RunTestIdle(l.idle); err != nil {
		return fmt.Errorf("dbus: idle: %w", err)
	}
	if err := l.tap.SelectIR(jtag.IRDBUS); err != nil {
		return fmt.Errorf("dbus: reselect dbus: %w", err)
	}
	return nil
}

// recover performs the status-3 recovery sequence: DBUS reset followed by
// replaying the last successfully committed shift.
func (l *Link) recover() error {
	if err := l.resetBus(); err != nil {
		return err
	}
	out := encodeLE(l.lastDbus, l.Width())
	if _, err := l.tap.ShiftDR(l.Width(), out); err != nil {
		return fmt.Errorf("dbus: replay last shift: %w", err)
	}
	return l.tap.RunTestIdle(l.idle)
}

// encodeLE packs v into a little-endian byte slice bits wide, matching the
// jtag.TAP convention that bit 0 (the LSB) is the first bit shifted.
func encodeLE(v *big.Int, bits int) []byte {
	n := (bits + 7) / 8
	be := make([]byte, n)
	v.FillBytes(be)
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	return be
}

func decodeLEBig(b []byte, bits int) *big.Int {
	be := make([]byte, len(b))
	copy(be, b)
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	v := new(big.Int).SetBytes(be)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
	return v.And(v, mask)
}

func decodeLE(b []byte, bits int) uint32 {
	return uint32(decodeLEBig(b, bits).Uint64())
}
