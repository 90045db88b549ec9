// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bitbang

import (
	"testing"

	"periph.io/x/conn/v3/gpio"

	"github.com/rvjtag/dtm/conn/jtag"
)

// edge records the TMS and TDI levels sampled on one rising TCK edge.
type edge struct {
	tms, tdi gpio.Level
}

// fakePin implements the slice of gpio.PinIO the TAP actually drives; the
// embedded interface covers the rest of the method set.
type fakePin struct {
	gpio.PinIO
	name  string
	l     gpio.Level
	onOut func(gpio.Level)
}

func (p *fakePin) String() string                { return p.name }
func (p *fakePin) Read() gpio.Level              { return p.l }
func (p *fakePin) In(gpio.Pull, gpio.Edge) error { return nil }
func (p *fakePin) Out(l gpio.Level) error {
	p.l = l
	if p.onOut != nil {
		p.onOut(l)
	}
	return nil
}

// newTestTAP wires a TAP to fake pins and records the TMS/TDI waveform on
// every rising TCK edge, which is when a real TAP samples them.
func newTestTAP() (*TAP, *fakePin, func() []edge) {
	tck := &fakePin{name: "TCK"}
	tms := &fakePin{name: "TMS"}
	tdi := &fakePin{name: "TDI"}
	tdo := &fakePin{name: "TDO"}
	var edges []edge
	tck.onOut = func(l gpio.Level) {
		if l == gpio.High {
			edges = append(edges, edge{tms.l, tdi.l})
		}
	}
	t := &TAP{tck: tck, tms: tms, tdi: tdi, tdo: tdo}
	return t, tdo, func() []edge { return edges }
}

func checkEdges(t *testing.T, got, want []edge) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("clocked %d edges, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("edge %d = {tms:%v tdi:%v}, want {tms:%v tdi:%v}", i, got[i].tms, got[i].tdi, want[i].tms, want[i].tdi)
		}
	}
}

// The TAP shifts on every clock spent in Shift-DR, including the one that
// leaves it, so the last data bit must be presented together with TMS
// high rather than on a separate clock.
func TestShiftDRLastBitRidesExit(t *testing.T) {
	tap, _, edges := newTestTAP()
	if _, err := tap.ShiftDR(2, []byte{0x03}); err != nil {
		t.Fatalf("ShiftDR: %v", err)
	}
	const h, l = gpio.High, gpio.Low
	checkEdges(t, edges(), []edge{
		{h, l}, {l, l}, {l, l}, // Select-DR, Capture-DR, Shift-DR
		{l, h},                 // data bit 0
		{h, h},                 // data bit 1 rides the Exit1 clock
		{h, l}, {l, l},         // Update-DR, Run-Test/Idle
	})
}

func TestSelectIRWaveform(t *testing.T) {
	tap, _, edges := newTestTAP()
	if err := tap.SelectIR(jtag.IRDBUS); err != nil {
		t.Fatalf("SelectIR: %v", err)
	}
	const h, l = gpio.High, gpio.Low
	// IRDBUS = 0b10001, LSB first: 1,0,0,0 then 1 on the exit clock.
	checkEdges(t, edges(), []edge{
		{h, l}, {h, l}, {l, l}, {l, l}, // Select-DR, Select-IR, Capture-IR, Shift-IR
		{l, h}, {l, l}, {l, l}, {l, l}, // IR bits 0..3
		{h, h},                         // IR bit 4 rides the Exit1 clock
		{h, l}, {l, l},                 // Update-IR, Run-Test/Idle
	})
}

func TestShiftDRReadsTDO(t *testing.T) {
	tap, tdo, _ := newTestTAP()
	tdo.l = gpio.High
	in, err := tap.ShiftDR(8, make([]byte, 1))
	if err != nil {
		t.Fatalf("ShiftDR: %v", err)
	}
	if len(in) != 1 || in[0] != 0xff {
		t.Fatalf("in = %#v with TDO high, want [0xff]", in)
	}
	tdo.l = gpio.Low
	if in, err = tap.ShiftDR(8, make([]byte, 1)); err != nil || in[0] != 0 {
		t.Fatalf("in = %#v, %v with TDO low, want [0x00], nil", in, err)
	}
}

func TestRunTestIdleHoldsTMSLow(t *testing.T) {
	tap, _, edges := newTestTAP()
	if err := tap.RunTestIdle(3); err != nil {
		t.Fatalf("RunTestIdle: %v", err)
	}
	const l = gpio.Low
	checkEdges(t, edges(), []edge{{l, l}, {l, l}, {l, l}})
}
