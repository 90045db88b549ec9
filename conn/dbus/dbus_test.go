// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dbus

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/rvjtag/dtm/conn/dbus/dbustest"
	"github.com/rvjtag/dtm/conn/jtag"
)

func TestScanDTMControlDecodesFields(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	h.Idle = 3
	version, abits, idle, err := ScanDTMControl(h)
	if err != nil {
		t.Fatalf("ScanDTMControl: %v", err)
	}
	if version != 0 {
		t.Fatalf("version = %d, want 0", version)
	}
	if abits != 6 {
		t.Fatalf("abits = %d, want 6", abits)
	}
	if idle != 3 {
		t.Fatalf("idle = %d, want 3", idle)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	link, err := NewLink(h, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := link.Write(5, 0x1234); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := link.Read(5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("Read(5) = %#x, want 0x1234", v)
	}
}

func TestStickyErrorLatchesAndClears(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	link, err := NewLink(h, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	h.StatusOverride = []uint8{2}
	v, err := link.Read(5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0 {
		t.Fatalf("Read after status-2 = %#x, want 0", v)
	}
	if !link.Error() {
		t.Fatal("expected sticky error to be latched")
	}

	// Every further call is a no-op that performs no JTAG I/O; the fake
	// Hart doesn't track shift counts, so the guard is exercised at the
	// Link level by confirming the zero-value short-circuit below.
	if v, err := link.Read(9); err != nil || v != 0 {
		t.Fatalf("Read while sticky = %d, %v, want 0, nil", v, err)
	}

	had, err := link.CheckError()
	if err != nil {
		t.Fatalf("CheckError: %v", err)
	}
	if !had {
		t.Fatal("CheckError should report an error had occurred")
	}
	if link.Error() {
		t.Fatal("CheckError should have cleared the sticky flag")
	}

	had, err = link.CheckError()
	if err != nil {
		t.Fatalf("CheckError (second): %v", err)
	}
	if had {
		t.Fatal("second CheckError should report no error")
	}
}

func TestStatusRetryReplaysLastDbus(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	link, err := NewLink(h, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := link.Write(7, 0xabc); err != nil {
		t.Fatalf("first write: %v", err)
	}
	h.StatusOverride = []uint8{3}
	if err := link.Write(8, 0xdef); err != nil {
		t.Fatalf("write after retry: %v", err)
	}
	v, err := link.Read(8)
	if err != nil || v != 0xdef {
		t.Fatalf("Read(8) after retry-recovered write = %#x, %v, want 0xdef, nil", v, err)
	}
}

func TestShiftWireFormat(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	rec := &dbustest.Record{TAP: h}
	link, err := NewLink(rec, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	// data34 with bit 33 set, to cover the full 34-bit field.
	const addr, data = uint64(0x15), uint64(2)<<32 | 0x1234
	if err := link.Write(addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(rec.Ops) != 1 {
		t.Fatalf("recorded %d shifts, want 1", len(rec.Ops))
	}
	op := rec.Ops[0]
	if op.IR != jtag.IRDBUS {
		t.Fatalf("shift under IR %s, want DBUS", op.IR)
	}
	if op.Bits != 6+36 {
		t.Fatalf("shift width = %d, want abits+36 = 42", op.Bits)
	}
	want := encodeLE(new(big.Int).SetUint64(addr<<36|data<<2|uint64(OpWrite)), 42)
	if !bytes.Equal(op.Out, want) {
		t.Fatalf("shift payload = %#v, want %#v", op.Out, want)
	}
}

func TestRetryReplaysExactBytes(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	rec := &dbustest.Record{TAP: h}
	link, err := NewLink(rec, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := link.Write(7, 0xabc); err != nil {
		t.Fatalf("first write: %v", err)
	}
	h.StatusOverride = []uint8{3}
	if err := link.Write(8, 0xdef); err != nil {
		t.Fatalf("write after retry: %v", err)
	}
	// Recorded: committed write, refused write, dtmcontrol DBUSRESET,
	// replay of the committed write, re-issued write.
	if len(rec.Ops) != 5 {
		t.Fatalf("recorded %d shifts, want 5: %#v", len(rec.Ops), rec.Ops)
	}
	if rec.Ops[2].IR != jtag.IRDTMCONTROL {
		t.Fatalf("recovery shift under IR %s, want DTMCONTROL", rec.Ops[2].IR)
	}
	if !bytes.Equal(rec.Ops[3].Out, rec.Ops[0].Out) {
		t.Fatalf("replayed shift %#v does not match last committed %#v", rec.Ops[3].Out, rec.Ops[0].Out)
	}
	if !bytes.Equal(rec.Ops[4].Out, rec.Ops[1].Out) {
		t.Fatalf("re-issued shift %#v does not match the refused one %#v", rec.Ops[4].Out, rec.Ops[1].Out)
	}
}

func TestStickyErrorStopsJTAGIO(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	rec := &dbustest.Record{TAP: h}
	link, err := NewLink(rec, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	h.StatusOverride = []uint8{2}
	if _, err := link.Read(5); err != nil {
		t.Fatalf("Read: %v", err)
	}
	n := len(rec.Ops)
	if _, err := link.Read(9); err != nil {
		t.Fatalf("Read while sticky: %v", err)
	}
	if len(rec.Ops) != n {
		t.Fatalf("sticky Read still shifted: %d ops, want %d", len(rec.Ops), n)
	}
}

func TestPlaybackReplaysRecordedScan(t *testing.T) {
	h := dbustest.NewHart(6, 16)
	h.Idle = 2
	rec := &dbustest.Record{TAP: h}
	if _, _, _, err := ScanDTMControl(rec); err != nil {
		t.Fatalf("ScanDTMControl (record): %v", err)
	}

	pb := &dbustest.Playback{Ops: rec.Ops}
	version, abits, idle, err := ScanDTMControl(pb)
	if err != nil {
		t.Fatalf("ScanDTMControl (playback): %v", err)
	}
	if version != 0 || abits != 6 || idle != 2 {
		t.Fatalf("playback scan = (%d, %d, %d), want (0, 6, 2)", version, abits, idle)
	}
	if err := pb.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeDMInfo(t *testing.T) {
	// version=1 and authenticated=1 together: bit 5 (authenticated) must
	// not be mistaken for part of the version field when [1:0] is already
	// nonzero.
	info := DecodeDMInfo(uint64(1) | uint64(1)<<5 | uint64(16)<<10)
	if info.Version != 1 {
		t.Fatalf("Version = %d, want 1", info.Version)
	}
	if !info.Authenticated {
		t.Fatal("Authenticated = false, want true")
	}
	if info.DebugRAMSize != 16 {
		t.Fatalf("DebugRAMSize = %d, want 16", info.DebugRAMSize)
	}
}

func TestDecodeDMInfoFallsBackWhenLowBitsZero(t *testing.T) {
	info := DecodeDMInfo(uint64(1) << 4)
	if info.Version != 1 {
		t.Fatalf("Version = %d, want 1 (from the [5:4] fallback)", info.Version)
	}
}
