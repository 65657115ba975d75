// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// progview bootstraps a queryable view of a stopped target -- an ELF core
// dump, the live kernel via /proc/kcore, or a live process via
// /proc/<pid>/mem -- and prints a summary of what was discovered: whether the
// target is a kernel or userspace image, its word size and byte order, its
// file mappings, and the debug files that were located for it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/slapurmoma5/drgn/program"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := ffcli.Command{
		Name:       "progview",
		ShortUsage: "progview <subcommand> [flags]",
		ShortHelp:  "Inspect a core dump, the live kernel, or a live process",
		Subcommands: []*ffcli.Command{
			newCoreCmd(),
			newKernelCmd(),
			newPIDCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}

type coreCmd struct {
	path    string
	verbose bool
}

func newCoreCmd() *ffcli.Command {
	args := &coreCmd{}
	set := flag.NewFlagSet("core", flag.ExitOnError)
	set.StringVar(&args.path, "path", "", "Path of the ELF core file to inspect")
	set.BoolVar(&args.verbose, "verbose", false, "Report missing-debug-info diagnostics")

	return &ffcli.Command{
		Name:       "core",
		Exec:       args.exec,
		ShortUsage: "core -path <file> [flags]",
		ShortHelp:  "Bootstrap from an ELF core dump",
		FlagSet:    set,
	}
}

func (cmd *coreCmd) exec(context.Context, []string) error {
	if cmd.path == "" {
		return errors.New("please specify -path")
	}
	a := &program.Assembler{Verbose: cmd.verbose}
	p, err := a.FromCoreDump(cmd.path)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", cmd.path, err)
	}
	defer p.Destroy()
	printSummary(p)
	return nil
}

type kernelCmd struct {
	verbose bool
}

func newKernelCmd() *ffcli.Command {
	args := &kernelCmd{}
	set := flag.NewFlagSet("kernel", flag.ExitOnError)
	set.BoolVar(&args.verbose, "verbose", false, "Report missing-debug-info diagnostics")

	return &ffcli.Command{
		Name:       "kernel",
		Exec:       args.exec,
		ShortUsage: "kernel [flags]",
		ShortHelp:  "Bootstrap from the live kernel via /proc/kcore",
		FlagSet:    set,
	}
}

func (cmd *kernelCmd) exec(context.Context, []string) error {
	a := &program.Assembler{Verbose: cmd.verbose}
	p, err := a.FromKernel()
	if err != nil {
		return fmt.Errorf("bootstrap /proc/kcore: %w", err)
	}
	defer p.Destroy()
	printSummary(p)
	return nil
}

type pidCmd struct {
	pid     int
	verbose bool
}

func newPIDCmd() *ffcli.Command {
	args := &pidCmd{}
	set := flag.NewFlagSet("pid", flag.ExitOnError)
	set.IntVar(&args.pid, "pid", 0, "PID of the live process to inspect")
	set.BoolVar(&args.verbose, "verbose", false, "Report missing-debug-info diagnostics")

	return &ffcli.Command{
		Name:       "pid",
		Exec:       args.exec,
		ShortUsage: "pid -pid <n> [flags]",
		ShortHelp:  "Bootstrap from a live process via /proc/<pid>/mem",
		FlagSet:    set,
	}
}

func (cmd *pidCmd) exec(context.Context, []string) error {
	if cmd.pid == 0 {
		return errors.New("please specify -pid")
	}
	a := &program.Assembler{Verbose: cmd.verbose}
	p, err := a.FromPID(cmd.pid)
	if err != nil {
		return fmt.Errorf("bootstrap pid %d: %w", cmd.pid, err)
	}
	defer p.Destroy()
	printSummary(p)
	return nil
}

func printSummary(p *program.Program) {
	kind := "userspace"
	if p.IsKernel() {
		kind = "kernel"
	}
	fmt.Printf("target:      %s\n", kind)
	fmt.Printf("word size:   %d bytes\n", p.WordSize())
	fmt.Printf("endianness:  %s\n", endianString(p.LittleEndian()))

	if info := p.VMCoreInfo(); info != nil {
		fmt.Printf("osrelease:   %s\n", info.OSRelease)
		fmt.Printf("kaslr off:   0x%x\n", info.KASLROffset)
	}

	mappings := p.Mappings().All()
	fmt.Printf("mappings:    %d\n", len(mappings))
	for _, m := range mappings {
		debugStatus := "no debug info"
		if m.ELF != nil {
			debugStatus = "debug info located"
		}
		fmt.Printf("  0x%012x-0x%012x off=0x%x %s (%s)\n",
			m.Start, m.End, m.FileOffset, m.Path, debugStatus)
	}
}

func endianString(littleEndian bool) string {
	if littleEndian {
		return "little"
	}
	return "big"
}
