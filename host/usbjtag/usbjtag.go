// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package usbjtag implements a jtag.TAP over a raw USB bulk endpoint pair
// using github.com/google/gousb (libusb), for probes that speak a simple
// request/response bulk protocol rather than FTDI's MPSSE command set.
//
// The wire protocol is a minimal three-command framing this driver defines
// itself: one byte opcode, a little-endian uint32 bit count, payload bytes
// (rounded up to whole bytes, LSB-first like jtag.TAP's convention). The
// reply carries no header: it is (bits+7)/8 payload bytes, read for every
// command whose bit count is nonzero.
package usbjtag

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gousb"

	"github.com/rvjtag/dtm/conn/jtag"
	"github.com/rvjtag/dtm/conn/jtag/jtagreg"
)

const (
	cmdSelectIR    byte = 1
	cmdShiftDR     byte = 2
	cmdRunTestIdle byte = 3
)

// TAP implements jtag.TAP over a gousb bulk in/out endpoint pair.
type TAP struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// Open claims the first USB device matching vid/pid and configures it for
// bulk transfer on the given interface/endpoint numbers.
func Open(vid, pid gousb.ID, ifaceNum, outEP, inEP int) (*TAP, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: open device %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: no device matching %s:%s", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: set auto detach: %w", err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: claim config: %w", err)
	}
	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: claim interface %d: %w", ifaceNum, err)
	}
	out, err := intf.OutEndpoint(outEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: out endpoint %d: %w", outEP, err)
	}
	in, err := intf.InEndpoint(inEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbjtag: in endpoint %d: %w", inEP, err)
	}
	return &TAP{ctx: ctx, dev: dev, cfg: cfg, intf: intf, out: out, in: in}, nil
}

func (t *TAP) String() string { return "usbjtag" }

func (t *TAP) SelectIR(ir jtag.IR) error {
	_, err := t.roundTrip(cmdSelectIR, 8, []byte{byte(ir)})
	return err
}

func (t *TAP) ShiftDR(bits int, out []byte) ([]byte, error) {
	return t.roundTrip(cmdShiftDR, bits, out)
}

func (t *TAP) RunTestIdle(cycles int) error {
	_, err := t.roundTrip(cmdRunTestIdle, cycles, nil)
	return err
}

func (t *TAP) Close() error {
	t.intf.Close()
	t.cfg.Close()
	t.dev.Close()
	t.ctx.Close()
	return nil
}

// roundTrip writes a framed request and reads back a reply of the same
// declared bit width, since every jtag.TAP operation this driver issues is
// synchronous and strictly ordered (see the concurrency model: no
// buffering or pipelining below package conn/dbus).
func (t *TAP) roundTrip(cmd byte, bits int, payload []byte) ([]byte, error) {
	nbytes := (bits + 7) / 8
	frame := make([]byte, 5+len(payload))
	frame[0] = cmd
	binary.LittleEndian.PutUint32(frame[1:], uint32(bits))
	copy(frame[5:], payload)
	if _, err := t.out.Write(frame); err != nil {
		return nil, fmt.Errorf("usbjtag: write: %w", err)
	}
	reply := make([]byte, nbytes)
	if nbytes == 0 {
		return reply, nil
	}
	n, err := t.in.Read(reply)
	if err != nil {
		return nil, fmt.Errorf("usbjtag: read: %w", err)
	}
	return reply[:n], nil
}

// Register registers a USB JTAG probe under name with jtagreg.
func Register(name string, aliases []string, vid, pid gousb.ID, ifaceNum, outEP, inEP int) error {
	return jtagreg.Register(name, aliases, func() (jtag.TAP, error) {
		return Open(vid, pid, ifaceNum, outEP, inEP)
	})
}

var _ jtag.TAP = (*TAP)(nil)
