// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads a probe profile: which JTAG backend to use, how to
// reach it, and a few attach-time knobs, from a YAML file so the same
// rvdebug binary can target different boards without recompiling.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Profile describes one probe configuration.
type Profile struct {
	// Backend selects the host/ package to open: "ftdi", "usb" or
	// "bitbang", matching the names host packages register under
	// conn/jtag/jtagreg.
	Backend string `yaml:"backend"`

	// Port identifies the probe within its backend: a numeric device
	// index for ftdi (the D2XX driver enumerates by index), or a
	// comma-separated TCK,TMS,TDI,TDO[,TRST] pin-name list for bitbang.
	// The usb backend is addressed through the USB block below instead.
	Port string `yaml:"port"`

	// ClockHz is the requested TCK frequency; zero lets the backend pick
	// its default.
	ClockHz int `yaml:"clock_hz"`

	// HartIndex is the JTAG scan-chain position of the hart, as written in
	// the profile. rvdebug does not consult it: it always attaches through
	// the probe's TAP as opened, with no hart selection.
	HartIndex int `yaml:"hart_index"`

	// HaltOnAttach requests a halt immediately after a supported hart is
	// found, rather than leaving it running until the first explicit halt
	// command.
	HaltOnAttach bool `yaml:"halt_on_attach"`

	// USB identifies a host/usbjtag probe: VID/PID plus interface and
	// endpoint numbers. Only consulted when Backend is "usb".
	USB struct {
		VID         uint16 `yaml:"vid"`
		PID         uint16 `yaml:"pid"`
		Interface   int    `yaml:"interface"`
		OutEndpoint int    `yaml:"out_endpoint"`
		InEndpoint  int    `yaml:"in_endpoint"`
	} `yaml:"usb"`
}

// Load reads and parses a Profile from path.
func Load(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if p.Backend == "" {
		return nil, fmt.Errorf("config: %s: backend is required", path)
	}
	return &p, nil
}

// Default returns a Profile with the conservative defaults used when no
// profile file is given on the command line.
func Default() *Profile {
	return &Profile{Backend: "ftdi", ClockHz: 1000000}
}
