// Copyright 2024 The rvjtag Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// rvdebug is a command-line shell exercising the RISC-V DTM driver end to
// end: attach to a hart over a configured JTAG probe, halt/resume/step it,
// read and write registers and memory, and install hardware
// breakpoints/watchpoints.
//
// Usage:
//
//	rvdebug -c board.yaml attach
//	rvdebug -c board.yaml reg read 18
//	rvdebug -c board.yaml mem read 0x20000000 16
//	rvdebug -c board.yaml trigger set execute 0x08000100
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/gousb"
	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-colorable"

	"github.com/rvjtag/dtm/config"
	"github.com/rvjtag/dtm/conn/jtag/jtagreg"
	"github.com/rvjtag/dtm/host/bitbang"
	"github.com/rvjtag/dtm/host/ftdijtag"
	"github.com/rvjtag/dtm/host/usbjtag"
	"github.com/rvjtag/dtm/riscv"
	"github.com/rvjtag/dtm/target"
)

type options struct {
	Config  string `short:"c" long:"config" description:"probe profile YAML file"`
	Verbose bool   `short:"v" long:"verbose" description:"trace every dbus shift"`
}

var opts options

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("attach", "Attach and report halt status", "", &attachCmd{})
	parser.AddCommand("halt", "Request halt", "", &haltCmd{})
	parser.AddCommand("resume", "Resume (optionally stepping)", "", &resumeCmd{Step: false})
	parser.AddCommand("reset", "Assert ndmreset", "", &resetCmd{})
	parser.AddCommand("reg", "Read/write a register", "", &regCmd{})
	parser.AddCommand("mem", "Read/write target memory", "", &memCmd{})
	parser.AddCommand("trigger", "Set/clear a hardware breakpoint/watchpoint", "", &triggerCmd{})
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "rvdebug: %s.\n", err)
		os.Exit(1)
	}
}

// setupLogging mirrors cmd/spi-io's verbose-gated tracing: log output is
// discarded unless -v is given, and otherwise goes to a colorable stdout.
func setupLogging() {
	log.SetFlags(log.Lmicroseconds)
	if !opts.Verbose {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(colorable.NewColorableStdout())
}

func colorReason(r target.HaltReason) string {
	switch r {
	case target.Error:
		return color.New(color.FgRed).Sprint(r)
	case target.Running:
		return color.New(color.FgGreen).Sprint(r)
	default:
		return color.New(color.FgYellow).Sprint(r)
	}
}

// connect loads the configured profile, opens the matching probe backend
// and constructs a riscv.Target over it.
func connect() (*riscv.Target, error) {
	setupLogging()
	var prof *config.Profile
	var err error
	if opts.Config != "" {
		prof, err = config.Load(opts.Config)
	} else {
		prof = config.Default()
	}
	if err != nil {
		return nil, err
	}
	switch prof.Backend {
	case "ftdi":
		idx := 0
		if prof.Port != "" {
			if idx, err = strconv.Atoi(prof.Port); err != nil {
				return nil, fmt.Errorf("rvdebug: ftdi port must be a device index: %q", prof.Port)
			}
		}
		if err := ftdijtag.Register("ftdi", nil, idx, prof.ClockHz); err != nil {
			return nil, err
		}
	case "bitbang":
		// Port is "TCK,TMS,TDI,TDO[,TRST]" pin names.
		pins, err := parseBitbangPins(prof.Port)
		if err != nil {
			return nil, err
		}
		if err := bitbang.Register("bitbang", nil, pins); err != nil {
			return nil, err
		}
	case "usb":
		u := prof.USB
		vid, pid := gousb.ID(u.VID), gousb.ID(u.PID)
		if err := usbjtag.Register("usb", nil, vid, pid, u.Interface, u.OutEndpoint, u.InEndpoint); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("rvdebug: unknown probe backend %q", prof.Backend)
	}
	tap, err := jtagreg.Open("")
	if err != nil {
		return nil, err
	}
	t, err := riscv.New(tap)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("rvdebug: hart is not a supported RISC-V debug-0.11 target")
	}
	if prof.HaltOnAttach {
		if err := t.Attach(context.Background()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parseBitbangPins(pinSpec string) (bitbang.Pins, error) {
	var p bitbang.Pins
	fields := strings.Split(pinSpec, ",")
	if len(fields) < 4 {
		return p, fmt.Errorf("rvdebug: bitbang port must be TCK,TMS,TDI,TDO[,TRST]: %q", pinSpec)
	}
	p.TCK, p.TMS, p.TDI, p.TDO = fields[0], fields[1], fields[2], fields[3]
	if len(fields) > 4 {
		p.TRST = fields[4]
	}
	return p, nil
}

type attachCmd struct{}

func (c *attachCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	reason, err := t.HaltPoll(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", t.Name(), colorReason(reason))
	return nil
}

type haltCmd struct{}

func (c *haltCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	return t.HaltRequest(context.Background())
}

type resumeCmd struct {
	Step bool `short:"s" long:"step" description:"single-step instead of free-running"`
}

func (c *resumeCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	return t.HaltResume(context.Background(), c.Step)
}

type resetCmd struct{}

func (c *resetCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	return t.Reset(context.Background())
}

type regCmd struct {
	Positional struct {
		Op    string `positional-arg-name:"read|write"`
		Index string `positional-arg-name:"index"`
		Value string `positional-arg-name:"value"`
	} `positional-args:"yes"`
}

func (c *regCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	i, err := strconv.Atoi(c.Positional.Index)
	if err != nil {
		return fmt.Errorf("rvdebug: bad register index %q: %w", c.Positional.Index, err)
	}
	ctx := context.Background()
	switch c.Positional.Op {
	case "read":
		v, err := t.RegRead(ctx, i)
		if err != nil {
			return err
		}
		fmt.Printf("x%d = %#010x\n", i, v)
		return nil
	case "write":
		v, err := strconv.ParseUint(c.Positional.Value, 0, 32)
		if err != nil {
			return fmt.Errorf("rvdebug: bad register value %q: %w", c.Positional.Value, err)
		}
		return t.RegsWrite(ctx, i, uint32(v))
	default:
		return fmt.Errorf("rvdebug: reg subcommand must be read or write, got %q", c.Positional.Op)
	}
}

type memCmd struct {
	Positional struct {
		Op       string `positional-arg-name:"read|write"`
		Addr     string `positional-arg-name:"addr"`
		LenOrVal string `positional-arg-name:"length|value"`
	} `positional-args:"yes"`
}

func (c *memCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	addr, err := strconv.ParseUint(c.Positional.Addr, 0, 32)
	if err != nil {
		return fmt.Errorf("rvdebug: bad address %q: %w", c.Positional.Addr, err)
	}
	ctx := context.Background()
	switch c.Positional.Op {
	case "read":
		n, err := strconv.Atoi(c.Positional.LenOrVal)
		if err != nil || n%4 != 0 {
			return fmt.Errorf("rvdebug: length must be a 4-byte-aligned count: %q", c.Positional.LenOrVal)
		}
		buf := make([]byte, n)
		if err := t.MemRead(ctx, buf, uint32(addr), n); err != nil {
			return err
		}
		for off := 0; off < n; off += 4 {
			fmt.Printf("%#010x: %02x%02x%02x%02x\n", uint32(addr)+uint32(off), buf[off+3], buf[off+2], buf[off+1], buf[off])
		}
		return nil
	case "write":
		v, err := strconv.ParseUint(c.Positional.LenOrVal, 0, 32)
		if err != nil {
			return fmt.Errorf("rvdebug: bad value %q: %w", c.Positional.LenOrVal, err)
		}
		buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		return t.MemWrite(ctx, uint32(addr), buf)
	default:
		return fmt.Errorf("rvdebug: mem subcommand must be read or write, got %q", c.Positional.Op)
	}
}

type triggerCmd struct {
	Positional struct {
		Op   string `positional-arg-name:"set|clear"`
		Kind string `positional-arg-name:"kind|slot"`
		Addr string `positional-arg-name:"addr"`
	} `positional-args:"yes"`
}

// Execute installs (`trigger set execute 0x08000100`) or releases
// (`trigger clear 0`) a hardware trigger. Clear takes the slot number
// reported by set, since a one-shot CLI has no breakwatch records to
// consult across invocations.
func (c *triggerCmd) Execute(args []string) error {
	t, err := connect()
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch c.Positional.Op {
	case "set":
		kind, err := parseKind(c.Positional.Kind)
		if err != nil {
			return err
		}
		addr, err := strconv.ParseUint(c.Positional.Addr, 0, 32)
		if err != nil {
			return fmt.Errorf("rvdebug: bad address %q: %w", c.Positional.Addr, err)
		}
		bw, err := t.BreakwatchSet(ctx, uint32(addr), kind)
		if err != nil {
			return err
		}
		fmt.Printf("installed %s trigger at %#010x (slot %d)\n", kind, addr, bw.Index)
		return nil
	case "clear":
		slot, err := strconv.Atoi(c.Positional.Kind)
		if err != nil {
			return fmt.Errorf("rvdebug: bad trigger slot %q: %w", c.Positional.Kind, err)
		}
		return t.BreakwatchClear(ctx, &target.Breakwatch{Index: slot})
	default:
		return fmt.Errorf("rvdebug: trigger subcommand must be set or clear, got %q", c.Positional.Op)
	}
}

func parseKind(s string) (target.BreakwatchKind, error) {
	switch s {
	case "execute":
		return target.Execute, nil
	case "write":
		return target.Write, nil
	case "read":
		return target.Read, nil
	case "access":
		return target.Access, nil
	default:
		return 0, fmt.Errorf("rvdebug: unknown trigger kind %q", s)
	}
}
