// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package trigger implements the hardware breakpoint/watchpoint allocator:
// it walks tselect to find a free match-control slot, configures mcontrol
// and tdata2 for the requested kind, and tears it down again on clear. It
// operates entirely through a Target's CSR read/write primitives; it has
// no JTAG or dbus notion of its own.
package trigger

import (
	"context"
	"fmt"

	"github.com/rvjtag/dtm/stubs"
	"github.com/rvjtag/dtm/target"
)

// CSRAccess is the minimal CSR read/write surface trigger needs from the
// target façade; package riscv's Target satisfies it via its CSR helpers.
type CSRAccess interface {
	ReadCSR(ctx context.Context, csr uint32) (uint32, error)
	WriteCSR(ctx context.Context, csr uint32, v uint32) error
}

// mcontrol bit layout, tdata1 view.
const (
	dmodeBit       = 1 << 27
	actionDebugBit = 1 << 12
	enableMaskBits = 0xf << 3
	typeShift      = 28

	kindExecute = 1 << 2
	kindStore   = 1 << 1
	kindLoad    = 1 << 0
)

func kindBits(k target.BreakwatchKind) (uint32, error) {
	switch k {
	case target.Execute:
		return kindExecute, nil
	case target.Write:
		return kindStore, nil
	case target.Read:
		return kindLoad, nil
	case target.Access:
		return kindLoad | kindStore, nil
	default:
		return 0, fmt.Errorf("trigger: unsupported breakwatch kind %d", k)
	}
}

// Allocator allocates and releases hardware trigger slots on a CSRAccess.
type Allocator struct {
	Target CSRAccess
}

// Set walks tselect from 0 looking for a free type==2 slot (ENABLE_MASK
// bits [6:3] all zero), configures mcontrol/tdata2 for kind at addr, and
// restores tselect to its prior value before returning.
func (a *Allocator) Set(ctx context.Context, addr uint32, kind target.BreakwatchKind) (*target.Breakwatch, error) {
	bits, err := kindBits(kind)
	if err != nil {
		return nil, err
	}
	prev, err := a.Target.ReadCSR(ctx, stubs.TSELECT)
	if err != nil {
		return nil, err
	}
	defer a.Target.WriteCSR(ctx, stubs.TSELECT, prev)

	index, err := a.findFree(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Target.WriteCSR(ctx, stubs.TSELECT, uint32(index)); err != nil {
		return nil, err
	}
	mcontrol := uint32(dmodeBit) | actionDebugBit | enableMaskBits | bits
	if err := a.Target.WriteCSR(ctx, stubs.MCONTROL, mcontrol); err != nil {
		return nil, err
	}
	if err := a.Target.WriteCSR(ctx, stubs.TDATA2, addr); err != nil {
		return nil, err
	}
	return &target.Breakwatch{Addr: addr, Kind: kind, Index: index}, nil
}

// Clear disables the trigger slot previously returned by Set, restoring
// tselect to its prior value before returning.
func (a *Allocator) Clear(ctx context.Context, bw *target.Breakwatch) error {
	prev, err := a.Target.ReadCSR(ctx, stubs.TSELECT)
	if err != nil {
		return err
	}
	defer a.Target.WriteCSR(ctx, stubs.TSELECT, prev)

	if err := a.Target.WriteCSR(ctx, stubs.TSELECT, uint32(bw.Index)); err != nil {
		return err
	}
	return a.Target.WriteCSR(ctx, stubs.MCONTROL, 0)
}

// findFree walks tselect starting from 0 until it finds a slot with
// type==2 and an all-zero ENABLE_MASK, or runs out of slots.
func (a *Allocator) findFree(ctx context.Context) (int, error) {
	for i := 0; i < 64; i++ {
		if err := a.Target.WriteCSR(ctx, stubs.TSELECT, uint32(i)); err != nil {
			return 0, err
		}
		got, err := a.Target.ReadCSR(ctx, stubs.TSELECT)
		if err != nil {
			return 0, err
		}
		if got != uint32(i) {
			return 0, fmt.Errorf("trigger: no free trigger slot (hart has %d)", i)
		}
		tdata1, err := a.Target.ReadCSR(ctx, stubs.MCONTROL)
		if err != nil {
			return 0, err
		}
		typ := (tdata1 >> typeShift) & 0xf
		if typ == 0 {
			return 0, fmt.Errorf("trigger: no free trigger slot (hart has %d)", i)
		}
		if typ == 2 && tdata1&enableMaskBits == 0 {
			return i, nil
		}
	}
	return 0, fmt.Errorf("trigger: exhausted all trigger slots")
}
