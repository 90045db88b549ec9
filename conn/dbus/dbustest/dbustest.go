// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dbustest implements fakes for package conn/jtag, playing the role
// conn/conntest plays for package conn: a scripted Record/Playback pair for
// exact wire-level assertions, and a Hart, a small in-memory RISC-V hart
// simulator that understands dbus well enough to execute real stubs
// end-to-end without hardware.
package dbustest

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rvjtag/dtm/conn/jtag"
)

// shiftOp mirrors the low 2 bits of a dbus shift; duplicated here (rather than
// imported) because the fake operates one level below package dbus, at the
// raw TAP boundary.
type shiftOp uint8

const (
	opNop   shiftOp = 0
	opRead  shiftOp = 1
	opWrite shiftOp = 2
)

// IO records one ShiftDR call for Record/Playback.
type IO struct {
	IR   jtag.IR
	Bits int
	Out  []byte
	In   []byte
}

// Record implements jtag.TAP, forwarding to TAP (which may be nil, in which
// case only SelectIR/ShiftDR writes are recorded) and appending every
// ShiftDR to Ops.
type Record struct {
	sync.Mutex
	TAP jtag.TAP
	Ops []IO
	ir  jtag.IR
}

func (r *Record) String() string { return "dbustest.Record" }

func (r *Record) SelectIR(ir jtag.IR) error {
	r.Lock()
	defer r.Unlock()
	r.ir = ir
	if r.TAP != nil {
		return r.TAP.SelectIR(ir)
	}
	return nil
}

func (r *Record) ShiftDR(bits int, out []byte) ([]byte, error) {
	r.Lock()
	defer r.Unlock()
	in := append([]byte(nil), out...)
	var err error
	if r.TAP != nil {
		if in, err = r.TAP.ShiftDR(bits, out); err != nil {
			return nil, err
		}
	}
	r.Ops = append(r.Ops, IO{IR: r.ir, Bits: bits, Out: append([]byte(nil), out...), In: append([]byte(nil), in...)})
	return in, nil
}

func (r *Record) RunTestIdle(cycles int) error {
	if r.TAP != nil {
		return r.TAP.RunTestIdle(cycles)
	}
	return nil
}

func (r *Record) Close() error { return nil }

// Playback implements jtag.TAP and replays a recorded IO sequence, failing
// if the shifted bits diverge from what was recorded.
type Playback struct {
	sync.Mutex
	Ops   []IO
	Count int
	ir    jtag.IR
}

func (p *Playback) String() string { return "dbustest.Playback" }

func (p *Playback) SelectIR(ir jtag.IR) error {
	p.Lock()
	defer p.Unlock()
	p.ir = ir
	return nil
}

func (p *Playback) ShiftDR(bits int, out []byte) ([]byte, error) {
	p.Lock()
	defer p.Unlock()
	if p.Count >= len(p.Ops) {
		return nil, fmt.Errorf("dbustest: unexpected ShiftDR (count #%d)", p.Count)
	}
	want := p.Ops[p.Count]
	if want.IR != p.ir {
		return nil, fmt.Errorf("dbustest: ShiftDR under IR %s, want %s (count #%d)", p.ir, want.IR, p.Count)
	}
	if want.Bits != bits || !bytes.Equal(want.Out, out) {
		return nil, fmt.Errorf("dbustest: unexpected shift (count #%d): %d bits %#v, want %d bits %#v", p.Count, bits, out, want.Bits, want.Out)
	}
	p.Count++
	return append([]byte(nil), want.In...), nil
}

func (p *Playback) RunTestIdle(cycles int) error { return nil }
func (p *Playback) Close() error                 { return nil }

// Verify checks that every recorded op was consumed.
func (p *Playback) Verify() error {
	if p.Count != len(p.Ops) {
		return fmt.Errorf("dbustest: playback incomplete: consumed %d of %d ops", p.Count, len(p.Ops))
	}
	return nil
}

var _ jtag.TAP = (&Record{})
var _ jtag.TAP = (&Playback{})

// Hart is a tiny in-memory RISC-V hart simulator: enough of dtmcontrol,
// dminfo, dmcontrol, Debug RAM, dcsr and a byte-addressable memory to drive
// real stubs (package stubs) through package dram and package riscv without
// real silicon. It does not decode arbitrary RISC-V; it special-cases the
// handful of fixed stub encodings this driver ever generates.
type Hart struct {
	mu sync.Mutex

	Abits    int
	Idle     int
	DTMVer   uint8 // dtmcontrol version field reported; 0 unless overridden for tests
	DMVer    uint8
	Auth     bool
	DramSize uint8

	ram    []uint32
	gpr    [32]uint32
	dcsr   uint32
	dpc    uint32
	dscrch uint32
	csrs   map[uint32]uint32
	mem    map[uint32]uint32
	halted bool

	// StatusOverride forces the next N transactions to return the given
	// status regardless of outcome, for exercising status-2/status-3
	// recovery paths.
	StatusOverride    []uint8
	dbusreset         int
	lastCommittedAddr uint64
	lastCommittedData uint64

	// pending is the data field to return on the next shift. The DTM
	// pipelines responses: a shift's data carries the result of the
	// previous transaction, which is why a dbus read is an arm shift
	// followed by a NOP.
	pending uint64

	ir jtag.IR
}

// NewHart constructs a Hart with the given dramsize (words of Debug RAM
// minus one).
func NewHart(abits int, dramsize uint8) *Hart {
	return &Hart{
		Abits:    abits,
		Idle:     1,
		DMVer:    1,
		Auth:     true,
		DramSize: dramsize,
		ram:      make([]uint32, int(dramsize)+1),
		csrs:     map[uint32]uint32{},
		mem:      map[uint32]uint32{},
	}
}

func (h *Hart) String() string { return "dbustest.Hart" }

// SetReg sets GPR i (1..31) for test setup.
func (h *Hart) SetReg(i int, v uint32) { h.gpr[i] = v }

// Reg reads GPR i.
func (h *Hart) Reg(i int) uint32 { return h.gpr[i] }

// SetMem sets word-addressed memory for test setup.
func (h *Hart) SetMem(addr, v uint32) { h.mem[addr] = v }

// Mem reads word-addressed memory.
func (h *Hart) Mem(addr uint32) uint32 { return h.mem[addr] }

// SetCSR sets a CSR for test setup, including dcsr/dpc/dscratch.
func (h *Hart) SetCSR(csr, v uint32) { h.writeCSR(csr, v) }

// CSR reads a CSR.
func (h *Hart) CSR(csr uint32) uint32 { return h.readCSR(csr) }

// SetHalted forces the halted state, as if the hart stopped on its own
// (e.g. on a trigger) rather than through the halt stub.
func (h *Hart) SetHalted(halted bool) { h.halted = halted }

func (h *Hart) SelectIR(ir jtag.IR) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ir = ir
	return nil
}

func (h *Hart) RunTestIdle(cycles int) error { return nil }
func (h *Hart) Close() error                 { return nil }

func (h *Hart) ShiftDR(bits int, out []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.ir {
	case jtag.IRDTMCONTROL:
		return h.shiftDTMControl(bits, out)
	case jtag.IRDBUS:
		return h.shiftDbus(bits, out)
	default:
		return nil, fmt.Errorf("dbustest: Hart does not model IR %s", h.ir)
	}
}

func (h *Hart) shiftDTMControl(bits int, out []byte) ([]byte, error) {
	if bits != 32 {
		return nil, errors.New("dbustest: dtmcontrol shift must be 32 bits")
	}
	v := unpackLE(out, 32)
	if v.Bit(16) == 1 {
		h.dbusreset++
	}
	resp := uint64(0)
	resp |= uint64(h.DTMVer & 0xf)
	resp |= uint64(h.Abits&0xf) << 4
	resp |= uint64((h.Abits>>4)&0x3) << 13
	resp |= uint64(h.Idle&0x7) << 10
	return packLE(new(big.Int).SetUint64(resp), 32), nil
}

func (h *Hart) shiftDbus(bits int, out []byte) ([]byte, error) {
	want := h.Abits + 36
	if bits != want {
		return nil, fmt.Errorf("dbustest: dbus shift width %d, want %d", bits, want)
	}
	in := unpackLE(out, bits)
	op := shiftOp(new(big.Int).And(in, big.NewInt(3)).Uint64())
	data := new(big.Int).Rsh(in, 2)
	data.And(data, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 34), big.NewInt(1)))
	addr := new(big.Int).Rsh(in, 36).Uint64()

	if len(h.StatusOverride) > 0 {
		st := h.StatusOverride[0]
		h.StatusOverride = h.StatusOverride[1:]
		return packLE(encodeResp(uint8(st), 0), bits), nil
	}

	status, rdata := h.apply(op, addr, data.Uint64())
	if status == 0 {
		h.lastCommittedAddr, h.lastCommittedData = addr, data.Uint64()
	}
	resp := h.pending
	h.pending = rdata
	return packLE(encodeResp(status, resp), bits), nil
}

func encodeResp(status uint8, data uint64) *big.Int {
	v := new(big.Int).Lsh(new(big.Int).SetUint64(data), 2)
	v.Or(v, big.NewInt(int64(status)))
	return v
}

// apply executes one committed dbus transaction against the simulated
// register/memory model. addr/data34 and the returned rdata all follow the
// dbus package's own field conventions: bit 32 of data34 is HALTNOT for
// dmcontrol, bit 33 is the Debug RAM interrupt latch.
func (h *Hart) apply(op shiftOp, addr, data34 uint64) (status uint8, rdata uint64) {
	const (
		addrDMControl = 0x10
		addrDMInfo    = 0x11
		haltnot       = uint64(1) << 32
		interrupt     = uint64(1) << 33
	)
	switch {
	case addr == addrDMInfo:
		info := uint64(h.DMVer&0x3) | uint64((h.DMVer>>2)&0x3)<<4
		if h.Auth {
			info |= 1 << 5
		}
		info |= uint64(h.DramSize&0x3f) << 10
		return 0, info
	case addr == addrDMControl:
		if op == opWrite {
			return 0, 0
		}
		if h.halted {
			return 0, haltnot
		}
		return 0, 0
	case int(addr) <= int(h.DramSize):
		i := int(addr)
		if op == opWrite {
			h.ram[i] = uint32(data34 & 0xffffffff)
			if data34&interrupt != 0 {
				h.runStub()
			}
			return 0, 0
		}
		v := uint64(h.ram[i])
		return 0, v
	default:
		return 0, 0
	}
}

// runStub executes the staged Debug RAM contents against the in-memory
// model by pattern-matching the fixed encodings package stubs emits, then
// clears the interrupt latch on the word the executor will poll. It does
// not implement a general RISC-V core: the stub catalog is closed and
// small, so each stub is recognized and executed directly.
func (h *Hart) runStub() {
	code := h.ram
	rxMask := ^uint32(0x1f << 20)
	wxMask := ^uint32(0x1f << 7)
	csrRMask := ^uint32(0xfff << 20)

	switch {
	case len(code) >= 6 && code[0] == 0x41002403 && code[1] == 0x00042483 && code[2] == 0x40902a23 && code[3] == 0x3f80006f:
		// The store in the stub targets 0x414, the completion slot one
		// past the addr tail word.
		code[5] = h.mem[code[4]]
	case len(code) >= 6 && code[0] == 0x41002403 && code[1] == 0x41402483 && code[2] == 0x00942023 && code[3] == 0x3f80006f:
		h.mem[code[4]] = code[5]
	case len(code) >= 3 && code[0]&rxMask == 0x40002423 && code[1] == 0x4000006f:
		rx := (code[0] >> 20) & 0x1f
		code[2] = h.gpr[rx]
	case len(code) >= 3 && code[0]&wxMask == 0x40002023 && code[1] == 0x4000006f:
		// The patch ORs the register index over the template's base field,
		// so the value the hart sees is the OR of the two.
		rx := (code[0] >> 7) & 0x1f
		h.gpr[rx] = code[2]
	case len(code) >= 4 && code[0]&csrRMask == 0x00002473 && code[1] == 0x40802623 && code[2] == 0x3fc0006f:
		csr := code[0] >> 20
		code[3] = h.readCSR(csr)
	case len(code) >= 4 && code[0] == 0x40c02403 && code[1]&csrRMask == 0x00041073 && code[2] == 0x3fc0006f:
		csr := code[1] >> 20
		h.writeCSR(csr, code[3])
	case len(code) >= 2 && code[0] == 0x7b046073 && code[1] == 0x4000006f:
		h.dcsr = (h.dcsr &^ (7 << 6)) | (3 << 6)
		h.halted = true
	case len(code) >= 3 && code[0]&^uint32(4<<15) == 0x7b006073 && code[1]&^uint32(4<<15) == 0x7b047073:
		step := code[0]&(4<<15) != 0 || code[1]&(4<<15) != 0
		h.dcsr &^= 1 << 2
		if step {
			h.dcsr |= 1 << 2
			h.dcsr = (h.dcsr &^ (7 << 6)) | (4 << 6)
		}
		h.halted = step
	}
}

func (h *Hart) readCSR(csr uint32) uint32 {
	switch csr {
	case 0x7b0:
		return h.dcsr
	case 0x7b1:
		return h.dpc
	case 0x7b2:
		return h.dscrch
	default:
		return h.csrs[csr]
	}
}

func (h *Hart) writeCSR(csr, v uint32) {
	switch csr {
	case 0x7b0:
		h.dcsr = v
	case 0x7b1:
		h.dpc = v
	case 0x7b2:
		h.dscrch = v
	default:
		h.csrs[csr] = v
	}
}

func unpackLE(b []byte, bits int) *big.Int {
	be := make([]byte, len(b))
	copy(be, b)
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	v := new(big.Int).SetBytes(be)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
	return v.And(v, mask)
}

func packLE(v *big.Int, bits int) []byte {
	n := (bits + 7) / 8
	be := make([]byte, n)
	v.FillBytes(be)
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	return be
}
