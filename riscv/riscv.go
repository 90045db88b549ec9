// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package riscv implements the RISC-V target façade: it satisfies
// package target's Target interface entirely in terms of package dram's
// Executor and direct conn/dbus.Link reads/writes, using the stub catalog
// in package stubs to synthesize every register and memory access.
package riscv

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rvjtag/dtm/conn/dbus"
	"github.com/rvjtag/dtm/conn/jtag"
	"github.com/rvjtag/dtm/dram"
	"github.com/rvjtag/dtm/stubs"
	"github.com/rvjtag/dtm/target"
	"github.com/rvjtag/dtm/trigger"
)

// Target is the RISC-V target façade. It owns the DTM state as a value,
// per the design note against copying scratch state through a heap buffer.
type Target struct {
	link     *dbus.Link
	exec     *dram.Executor
	dramsize uint8
	triggers trigger.Allocator

	haltRequested bool
}

// New scans dtmcontrol and dminfo over tap, refuses to construct a target
// unless DTM version is 0, DM version is 1 and the hart reports
// authenticated, and otherwise returns a ready-to-use façade.
//
// A refusal is not an error in the Go sense: New returns (nil, nil) for an
// unsupported hart so the scan can move on silently, distinct from
// (nil, err) for a transport failure.
func New(tap jtag.TAP) (*Target, error) {
	version, abits, idle, err := dbus.ScanDTMControl(tap)
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, nil
	}
	link, err := dbus.NewLink(tap, abits, idle)
	if err != nil {
		return nil, err
	}
	raw, err := link.Read(dbus.AddrDMInfo)
	if err != nil {
		return nil, err
	}
	info := dbus.DecodeDMInfo(raw)
	if info.Version != 1 || !info.Authenticated {
		return nil, nil
	}
	exec, err := dram.NewExecutor(link, info.DebugRAMSize, stubs.MaxWords)
	if err != nil {
		// dramsize too small for the stub catalog: treat the same as an
		// unsupported hart rather than a hard error.
		return nil, nil
	}
	t := &Target{link: link, exec: exec, dramsize: info.DebugRAMSize}
	t.triggers = trigger.Allocator{Target: t}
	return t, nil
}

func (t *Target) Name() string { return "RISC-V" }

func (t *Target) Description() string { return target.TDescRV32 }

func (t *Target) RegsSize() int { return 33 * 4 }

// Attach requests halt and returns; halt completion is observed indirectly
// via HaltPoll.
func (t *Target) Attach(ctx context.Context) error {
	return t.HaltRequest(ctx)
}

// Detach issues resume without step.
func (t *Target) Detach(ctx context.Context) error {
	return t.HaltResume(ctx, false)
}

func (t *Target) HaltRequest(ctx context.Context) error {
	if _, err := t.exec.Exec(ctx, stubs.Halt()); err != nil {
		return err
	}
	t.haltRequested = true
	return nil
}

func (t *Target) HaltResume(ctx context.Context, step bool) error {
	if _, err := t.exec.Exec(ctx, stubs.Resume(step)); err != nil {
		return err
	}
	t.haltRequested = false
	return nil
}

// HaltPoll mixes two signals deliberately: the driver's own haltRequested
// flag is authoritative for the initial transition because HALTNOT can lag
// the halt-request stub by several transactions.
func (t *Target) HaltPoll(ctx context.Context) (target.HaltReason, error) {
	dmcontrol, err := t.link.Read(dbus.AddrDMControl)
	if err != nil {
		return target.Error, err
	}
	if !t.haltRequested && dmcontrol&dbus.HALTNOT == 0 {
		return target.Running, nil
	}
	dcsrV, err := t.ReadCSR(ctx, stubs.DCSR)
	if err != nil {
		return target.Error, err
	}
	cause := (dcsrV >> 6) & 7
	switch cause {
	case 0:
		return target.Running, nil
	case 1, 2:
		return target.Breakpoint, nil
	case 3, 5:
		return target.Request, nil
	case 4:
		return target.Stepping, nil
	default:
		return target.Error, nil
	}
}

func (t *Target) Reset(ctx context.Context) error {
	_, err := t.exec.Exec(ctx, stubs.Reset())
	return err
}

// RegRead implements the GDB rv32 register index convention: 0 is hard
// zero, 1..7/10..31 are GPRs via the gpreg stub, 8 is DSCRATCH (the s0
// shadow while halted), 9 is the Debug RAM scratch word at dramsize (the
// s1 shadow), 32 is DPC, and 65..65+4095 are CSRs.
func (t *Target) RegRead(ctx context.Context, i int) (uint32, error) {
	switch {
	case i == 0:
		return 0, nil
	case i >= 1 && i <= 7, i >= 10 && i <= 31:
		return t.exec.Exec(ctx, stubs.GPRegRead(uint32(i)))
	case i == 8:
		return t.ReadCSR(ctx, stubs.DSCRATCH)
	case i == 9:
		return t.s1Shadow()
	case i == 32:
		return t.ReadCSR(ctx, stubs.DPC)
	case i >= 65 && i <= 65+4095:
		return t.ReadCSR(ctx, uint32(i-65))
	default:
		return 0, fmt.Errorf("riscv: invalid register index %d", i)
	}
}

// RegsWrite is the write counterpart of RegRead; writing register 0 is
// ignored, matching the hard-zero read.
func (t *Target) RegsWrite(ctx context.Context, i int, v uint32) error {
	switch {
	case i == 0:
		return nil
	case i >= 1 && i <= 7, i >= 10 && i <= 31:
		_, err := t.exec.Exec(ctx, stubs.GPRegWrite(uint32(i), v))
		return err
	case i == 8:
		return t.WriteCSR(ctx, stubs.DSCRATCH, v)
	case i == 9:
		return t.link.Write(uint64(t.dramsize), uint64(v))
	case i == 32:
		return t.WriteCSR(ctx, stubs.DPC, v)
	case i >= 65 && i <= 65+4095:
		return t.WriteCSR(ctx, uint32(i-65), v)
	default:
		return fmt.Errorf("riscv: invalid register index %d", i)
	}
}

// s1Shadow reads the Debug RAM scratch word at dbus address dramsize: a
// direct dbus read, not a stub, since the value already lives there as the
// hart's s1 shadow slot.
func (t *Target) s1Shadow() (uint32, error) {
	v, err := t.link.Read(uint64(t.dramsize))
	return uint32(v), err
}

// ReadCSR and WriteCSR satisfy trigger.CSRAccess, letting the trigger
// module configure mcontrol/tdata2 without its own dbus notion.
func (t *Target) ReadCSR(ctx context.Context, csr uint32) (uint32, error) {
	return t.exec.Exec(ctx, stubs.CSRRead(csr))
}

func (t *Target) WriteCSR(ctx context.Context, csr uint32, v uint32) error {
	_, err := t.exec.Exec(ctx, stubs.CSRWrite(csr, v))
	return err
}

// MemRead reads length bytes from src into dest, word by word. src, dest
// and length must be 4-byte aligned.
func (t *Target) MemRead(ctx context.Context, dest []byte, src uint32, length int) error {
	if src%4 != 0 || length%4 != 0 || len(dest) < length {
		return fmt.Errorf("riscv: mem read must be 4-byte aligned: src=%#x len=%d", src, length)
	}
	for off := 0; off < length; off += 4 {
		v, err := t.exec.Exec(ctx, stubs.MemRead32(src+uint32(off)))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dest[off:], v)
	}
	return nil
}

// MemWrite writes src to dest, word by word. dest and len(src) must be
// 4-byte aligned.
func (t *Target) MemWrite(ctx context.Context, dest uint32, src []byte) error {
	if dest%4 != 0 || len(src)%4 != 0 {
		return fmt.Errorf("riscv: mem write must be 4-byte aligned: dest=%#x len=%d", dest, len(src))
	}
	for off := 0; off < len(src); off += 4 {
		v := binary.LittleEndian.Uint32(src[off:])
		if _, err := t.exec.Exec(ctx, stubs.MemWrite32(dest+uint32(off), v)); err != nil {
			return err
		}
	}
	return nil
}

// BreakwatchSet allocates a hardware trigger slot for addr/kind.
func (t *Target) BreakwatchSet(ctx context.Context, addr uint32, kind target.BreakwatchKind) (*target.Breakwatch, error) {
	return t.triggers.Set(ctx, addr, kind)
}

// BreakwatchClear releases a previously allocated trigger slot.
func (t *Target) BreakwatchClear(ctx context.Context, bw *target.Breakwatch) error {
	return t.triggers.Clear(ctx, bw)
}

// CheckError drains the sticky dbus error flag.
func (t *Target) CheckError(ctx context.Context) (bool, error) {
	return t.link.CheckError()
}

var _ target.Target = (*Target)(nil)
