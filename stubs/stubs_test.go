// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package stubs

import "testing"

func TestMemRead32(t *testing.T) {
	got := MemRead32(0x20000000)
	want := []uint32{0x41002403, 0x00042483, 0x40902a23, 0x3f80006f, 0x20000000}
	if !eq(got, want) {
		t.Fatalf("MemRead32() = %#x, want %#x", got, want)
	}
}

func TestMemWrite32(t *testing.T) {
	got := MemWrite32(0x20000000, 0x1234)
	want := []uint32{0x41002403, 0x41402483, 0x00942023, 0x3f80006f, 0x20000000, 0x1234}
	if !eq(got, want) {
		t.Fatalf("MemWrite32() = %#x, want %#x", got, want)
	}
}

func TestGPRegRead(t *testing.T) {
	// s2/x18: the store's rs2 field lands in bits [24:20].
	got := GPRegRead(18)
	want := []uint32{0x41202423, 0x4000006f}
	if !eq(got, want) {
		t.Fatalf("GPRegRead(18) = %#x, want %#x", got, want)
	}
}

func TestGPRegWrite(t *testing.T) {
	got := GPRegWrite(18, 0xdeadbeef)
	want := []uint32{0x40002423 | 18<<7, 0x4000006f, 0xdeadbeef}
	if !eq(got, want) {
		t.Fatalf("GPRegWrite(18) = %#x, want %#x", got, want)
	}
}

func TestCSRRead(t *testing.T) {
	got := CSRRead(DSCRATCH)
	want := []uint32{0x00002473 | DSCRATCH<<20, 0x40802623, 0x3fc0006f}
	if !eq(got, want) {
		t.Fatalf("CSRRead(DSCRATCH) = %#x, want %#x", got, want)
	}
}

func TestCSRWrite(t *testing.T) {
	got := CSRWrite(DCSR, NDMResetBit)
	want := []uint32{0x40c02403, 0x00041073 | DCSR<<20, 0x3fc0006f, NDMResetBit}
	if !eq(got, want) {
		t.Fatalf("CSRWrite(DCSR) = %#x, want %#x", got, want)
	}
}

func TestHalt(t *testing.T) {
	got := Halt()
	want := []uint32{0x7b046073, 0x4000006f}
	if !eq(got, want) {
		t.Fatalf("Halt() = %#x, want %#x", got, want)
	}
}

func TestResume(t *testing.T) {
	step := Resume(true)
	if step[0] != 0x7b006073|StepBit {
		t.Fatalf("Resume(true)[0] = %#x, want bit 17 set", step[0])
	}
	if step[1] != 0x7b047073 {
		t.Fatalf("Resume(true)[1] should be untouched, got %#x", step[1])
	}
	noStep := Resume(false)
	if noStep[0] != 0x7b006073 {
		t.Fatalf("Resume(false)[0] should be untouched, got %#x", noStep[0])
	}
	if noStep[1] != 0x7b047073|StepBit {
		t.Fatalf("Resume(false)[1] = %#x, want bit 17 set", noStep[1])
	}
}

func TestReset(t *testing.T) {
	got := Reset()
	want := CSRWrite(DCSR, NDMResetBit)
	if !eq(got, want) {
		t.Fatalf("Reset() = %#x, want %#x", got, want)
	}
}

func TestMaxWords(t *testing.T) {
	stubs := [][]uint32{
		MemRead32(0), MemWrite32(0, 0), GPRegRead(0), GPRegWrite(0, 0),
		CSRRead(0), CSRWrite(0, 0), Halt(), Resume(false), Reset(),
	}
	max := 0
	for _, s := range stubs {
		if len(s) > max {
			max = len(s)
		}
	}
	if max != MaxWords {
		t.Fatalf("longest catalog stub has %d words, MaxWords=%d", max, MaxWords)
	}
}

func eq(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
