// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dram

import (
	"context"
	"testing"

	"github.com/rvjtag/dtm/conn/dbus"
	"github.com/rvjtag/dtm/conn/dbus/dbustest"
)

func newTestExecutor(t *testing.T, dramsize uint8) (*dbustest.Hart, *Executor) {
	t.Helper()
	h := dbustest.NewHart(6, dramsize)
	link, err := dbus.NewLink(h, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	exec, err := NewExecutor(link, dramsize, 2)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return h, exec
}

func TestExecWritesWordsAndPolls(t *testing.T) {
	h, exec := newTestExecutor(t, 16)
	// GPRegRead-shaped stub: sw s2 then jump, result lands in the
	// completion slot (index 2) once the hart runs it.
	h.SetReg(18, 0xcafef00d)
	code := []uint32{0x41202423, 0x4000006f}
	got, err := exec.Exec(context.Background(), code)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got != 0xcafef00d {
		t.Fatalf("Exec() = %#x, want 0xcafef00d", got)
	}
}

func TestExecRefusesWhenDramTooSmall(t *testing.T) {
	h := dbustest.NewHart(6, 2)
	link, err := dbus.NewLink(h, 6, 1)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if _, err := NewExecutor(link, 2, 6); err == nil {
		t.Fatal("expected NewExecutor to refuse when dramsize can't hold the catalog's longest stub")
	}
}

func TestExecEmptyCodeIsAnError(t *testing.T) {
	_, exec := newTestExecutor(t, 16)
	if _, err := exec.Exec(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestExecContextCancellation(t *testing.T) {
	_, exec := newTestExecutor(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Exec(ctx, []uint32{0x7b046073, 0x4000006f}); err == nil {
		t.Fatal("expected error from a pre-cancelled context")
	}
}
