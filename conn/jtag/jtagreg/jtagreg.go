// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package jtagreg defines the JTAG TAP registry for probes discovered on the
// host.
//
// Probe drivers (host/ftdijtag, host/usbjtag, host/bitbang) register
// themselves here; callers open a probe by name, alias or serial number
// without depending on the concrete driver package.
package jtagreg

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/rvjtag/dtm/conn/jtag"
)

// Opener opens a handle to a probe.
//
// It is provided by the actual probe driver.
type Opener func() (jtag.TAP, error)

// Ref references a JTAG probe.
//
// It is returned by All() to enumerate all registered probes.
type Ref struct {
	// Name of the probe. It must not be a sole number and must be unique
	// across the host.
	Name string
	// Aliases are alternative names that resolve to the same probe, e.g. a
	// USB serial number.
	Aliases []string
	// Open is the factory to open a handle to this probe.
	Open Opener
}

var (
	mu       sync.Mutex
	byName   = map[string]*Ref{}
	byAlias  = map[string]*Ref{}
	ordering []string
)

// Open opens a JTAG probe by its name, an alias, or the empty string for the
// probe whose name sorts first.
func Open(name string) (jtag.TAP, error) {
	mu.Lock()
	var r *Ref
	var err error
	if len(byName) == 0 {
		err = errors.New("jtagreg: no probe found; did you forget to import a host/ driver?")
	} else if len(name) == 0 {
		r = byName[ordering[0]]
	} else if r = byName[name]; r == nil {
		r = byAlias[name]
	}
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New("jtagreg: can't open unknown probe: " + strconv.Quote(name))
	}
	return r.Open()
}

// All returns a copy of all registered probe references, sorted by name.
func All() []*Ref {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Ref, 0, len(byName))
	for _, name := range ordering {
		r := byName[name]
		cp := &Ref{Name: r.Name, Aliases: append([]string(nil), r.Aliases...), Open: r.Open}
		out = append(out, cp)
	}
	return out
}

// Register registers a JTAG probe.
//
// Registering the same name twice, or an alias colliding with another name
// or alias, is an error.
func Register(name string, aliases []string, o Opener) error {
	if len(name) == 0 {
		return errors.New("jtagreg: can't register a probe with no name")
	}
	if o == nil {
		return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " with nil Opener")
	}
	if _, err := strconv.Atoi(name); err == nil {
		return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " with name being only a number")
	}
	if strings.Contains(name, ":") {
		return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " with name containing ':'")
	}
	for _, alias := range aliases {
		if len(alias) == 0 {
			return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " with an empty alias")
		}
		if alias == name {
			return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " with an alias the same as its name")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := byName[name]; ok {
		return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " twice")
	}
	if _, ok := byAlias[name]; ok {
		return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + " twice; it is already an alias")
	}
	for _, alias := range aliases {
		if _, ok := byName[alias]; ok {
			return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + "; alias " + strconv.Quote(alias) + " is already a probe name")
		}
		if _, ok := byAlias[alias]; ok {
			return errors.New("jtagreg: can't register probe " + strconv.Quote(name) + "; alias " + strconv.Quote(alias) + " is already registered")
		}
	}

	r := &Ref{Name: name, Aliases: append([]string(nil), aliases...), Open: o}
	byName[name] = r
	for _, alias := range aliases {
		byAlias[alias] = r
	}
	ordering = insertSorted(ordering, name)
	return nil
}

// Unregister removes a previously registered probe, e.g. on USB unplug.
func Unregister(name string) error {
	mu.Lock()
	defer mu.Unlock()
	r, ok := byName[name]
	if !ok {
		return errors.New("jtagreg: can't unregister unknown probe " + strconv.Quote(name))
	}
	delete(byName, name)
	for _, alias := range r.Aliases {
		delete(byAlias, alias)
	}
	for i, n := range ordering {
		if n == name {
			ordering = append(ordering[:i], ordering[i+1:]...)
			break
		}
	}
	return nil
}

func insertSorted(l []string, n string) []string {
	i := 0
	for i < len(l) && l[i] < n {
		i++
	}
	l = append(l, "")
	copy(l[i+1:], l[i:])
	l[i] = n
	return l
}
