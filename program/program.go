// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package program implements the ProgramAssembler component: it detects the
// target kind (core dump, live kernel, live process), wires every other
// component together, and owns all acquired resources with guaranteed
// teardown via the cleanup stack. This mirrors
// drgn_program_init_core_dump/init_kernel/init_pid in the original bootstrap
// implementation.
package program

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/slapurmoma5/drgn/cleanup"
	"github.com/slapurmoma5/drgn/debugfile"
	"github.com/slapurmoma5/drgn/dwarfidx"
	"github.com/slapurmoma5/drgn/elfnote"
	"github.com/slapurmoma5/drgn/internal/log"
	"github.com/slapurmoma5/drgn/mapping"
	"github.com/slapurmoma5/drgn/progerr"
	"github.com/slapurmoma5/drgn/relocate"
	"github.com/slapurmoma5/drgn/remotememory"
	"github.com/slapurmoma5/drgn/segment"
	"github.com/slapurmoma5/drgn/stringutil"
	"github.com/slapurmoma5/drgn/vmcoreinfo"
)

// Flags is the Program-level bitset.
type Flags uint32

// IsLinuxKernel is set when the Program targets a kernel image rather than a
// userspace process.
const IsLinuxKernel Flags = 1 << 0

// Program is the root handle: one memory reader, one type/symbol index
// (here: dwarfidx.Index), a mapping table (userspace only), optional
// VMCOREINFO, flags, and the teardown stack. Created once, destroyed once.
type Program struct {
	flags        Flags
	wordSize     int
	littleEndian bool

	segments *segment.Reader
	index    *dwarfidx.Index
	mappings mapping.Table
	vmcore   *vmcoreinfo.Info

	Memory remotememory.RemoteMemory

	KernelRelocator    *relocate.KernelRelocator
	UserspaceRelocator *relocate.UserspaceRelocator

	cleanups cleanup.Stack
	f        *os.File
}

// Flags returns the Program's flag bitset.
func (p *Program) Flags() Flags { return p.flags }

// WordSize returns 4 or 8.
func (p *Program) WordSize() int { return p.wordSize }

// LittleEndian reports the target's byte order.
func (p *Program) LittleEndian() bool { return p.littleEndian }

// IsKernel reports whether this Program targets a kernel image.
func (p *Program) IsKernel() bool { return p.flags&IsLinuxKernel != 0 }

// VMCoreInfo returns the resolved VMCOREINFO, or nil for a userspace target.
func (p *Program) VMCoreInfo() *vmcoreinfo.Info { return p.vmcore }

// Mappings returns the userspace file-mapping table (empty for kernel targets).
func (p *Program) Mappings() *mapping.Table { return &p.mappings }

// Destroy releases every resource the Program acquired, LIFO.
func (p *Program) Destroy() {
	p.cleanups.Unwind()
}

// KASLROffset implements relocate.KASLRSource.
func (p *Program) KASLROffset() uint64 {
	if p.vmcore == nil {
		return 0
	}
	return p.vmcore.KASLROffset
}

// Assembler builds a Program from one of three target kinds.
type Assembler struct {
	// Verbose gates missing-debug-info diagnostics surfaced during debug
	// file discovery.
	Verbose bool
}

// FromKernel is shorthand for FromCoreDump("/proc/kcore").
func (a *Assembler) FromKernel() (*Program, error) {
	return a.FromCoreDump("/proc/kcore")
}

// FromCoreDump bootstraps a Program from an ELF core file (or /proc/kcore,
// which is presented through the same ET_CORE interface).
func (a *Assembler) FromCoreDump(path string) (p *Program, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, progerr.Wrap(progerr.OS, err, "open %s", path)
	}
	var cl cleanup.Stack
	cl.Add(func() { _ = f.Close() })

	defer func() {
		if err != nil {
			cl.Unwind()
		}
	}()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, progerr.Wrap(progerr.LIBELF, err, "parse ELF header of %s", path)
	}
	if ef.Type != elf.ET_CORE {
		return nil, progerr.New(progerr.InvalidArgument, "%s is not an ELF core (e_type=%v)", path, ef.Type)
	}
	is64 := ef.Class == elf.ELFCLASS64

	haveNonZeroPhysAddr := false
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Paddr != 0 {
			haveNonZeroPhysAddr = true
			break
		}
	}

	segReader := &segment.Reader{}
	var tbl mapping.Table
	var noteResult elfnote.Result

	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			phys := segment.NoPhysAddr
			if haveNonZeroPhysAddr {
				phys = prog.Paddr
			}
			segReader.Add(segment.Segment{
				VirtAddr:   prog.Vaddr,
				PhysAddr:   phys,
				Size:       prog.Memsz,
				FD:         f,
				FileOffset: prog.Off,
				FileSize:   prog.Filesz,
			})
		case elf.PT_NOTE:
			data, rerr := io.ReadAll(prog.Open())
			if rerr != nil {
				return nil, progerr.Wrap(progerr.OS, rerr, "read PT_NOTE segment")
			}
			if perr := elfnote.ParseSegment(data, is64, &tbl, &noteResult); perr != nil {
				return nil, perr
			}
		}
	}

	isKernel := classify(f, &noteResult)

	p = &Program{
		segments:     segReader,
		wordSize:     wordSizeOf(is64),
		littleEndian: ef.Data == elf.ELFDATA2LSB,
		f:            f,
	}
	p.Memory = remotememory.RemoteMemory{ReaderAt: segReader}

	index, err := dwarfidx.New(4096)
	if err != nil {
		return nil, fmt.Errorf("create debug index: %w", err)
	}
	cl.Add(func() { index.Close() })
	p.index = index

	if isKernel {
		p.flags |= IsLinuxKernel
		tbl.Reset() // NT_FILE mappings are meaningless for a kernel target

		info, verr := resolveVMCoreInfo(segReader, &noteResult, haveNonZeroPhysAddr)
		if verr != nil {
			return nil, verr
		}
		p.vmcore = &info

		loc := &debugfile.Locator{Index: index, Verbose: a.Verbose}
		vmlinux, err := loc.LocateKernel(info.OSRelease)
		if err != nil {
			return nil, err
		}
		if _, err := loc.LocateModules(info.OSRelease); err != nil {
			return nil, err
		}

		p.KernelRelocator = buildKernelRelocator(p, vmlinux, info.KASLROffset)
	} else {
		if !noteResult.HaveNTFile {
			return nil, progerr.New(progerr.InvalidArgument,
				"core dump has no NT_FILE or VMCOREINFO note")
		}
		loc := &debugfile.Locator{Index: index, Verbose: a.Verbose}
		if err := loc.LocateUserspace(&tbl); err != nil {
			return nil, err
		}
		p.mappings = tbl
		p.UserspaceRelocator = &relocate.UserspaceRelocator{Mappings: &p.mappings}
	}

	p.cleanups = cl
	return p, nil
}

// buildKernelRelocator wires a KernelRelocator for a kernel target. Module
// relocation (the struct-module walk) additionally needs the live address of
// the kernel's global `modules` list_head and the DWARF types of struct
// module/module_sect_attrs/module_sect_attr; when vmlinux's debug info
// doesn't carry them (e.g. a CONFIG_MODULES=n build), module symbols simply
// aren't relocatable and KernelRelocator.Relocate reports that per query
// rather than failing the whole bootstrap over a capability only ET_REL
// symbols need.
func buildKernelRelocator(p *Program, vmlinux *dwarfidx.Handle, kaslrOffset uint64) *relocate.KernelRelocator {
	kr := &relocate.KernelRelocator{KASLR: p}

	moduleType, err := p.index.LookupType(vmlinux, "module")
	if err != nil {
		log.Debugf("kernel relocator: module relocation unavailable: %v", err)
		return kr
	}
	sectAttrsType, err := p.index.LookupType(vmlinux, "module_sect_attrs")
	if err != nil {
		log.Debugf("kernel relocator: module relocation unavailable: %v", err)
		return kr
	}
	sectAttrType, err := p.index.LookupType(vmlinux, "module_sect_attr")
	if err != nil {
		log.Debugf("kernel relocator: module relocation unavailable: %v", err)
		return kr
	}
	modulesAddr, err := symbolAddress(vmlinux, "modules")
	if err != nil {
		log.Debugf("kernel relocator: module relocation unavailable: %v", err)
		return kr
	}

	kr.Objects = &relocate.DWARFObjectReader{Mem: p.Memory}
	kr.ModuleType = moduleType
	kr.SectAttrsType = sectAttrsType
	kr.SectAttrType = sectAttrType
	kr.ModulesListHead = modulesAddr + kaslrOffset
	return kr
}

// symbolAddress returns the value of name in h's .symtab.
func symbolAddress(h *dwarfidx.Handle, name string) (uint64, error) {
	syms, err := h.ELF.Symbols()
	if err != nil {
		return 0, progerr.Wrap(progerr.MissingDebug, err, "%s has no symbol table", h.Path)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, progerr.New(progerr.Lookup, "%s: symbol %s not found", h.Path, name)
}

func wordSizeOf(is64 bool) int {
	if is64 {
		return 8
	}
	return 4
}

// classify implements the kernel-vs-userspace decision: have_vmcoreinfo =>
// kernel; else have_nt_taskstruct && proc magic => kernel (kcore); else
// userspace.
func classify(f *os.File, res *elfnote.Result) bool {
	if res.HaveVMCoreInfo {
		return true
	}
	return res.HaveTaskStruct && vmcoreinfo.IsProcKcore(f.Fd())
}

func resolveVMCoreInfo(
	segReader *segment.Reader, res *elfnote.Result, haveNonZeroPhysAddr bool,
) (vmcoreinfo.Info, error) {
	if res.HaveVMCoreInfo {
		return vmcoreinfo.Info{OSRelease: res.OSRelease, KASLROffset: res.KASLROffset}, nil
	}
	if haveNonZeroPhysAddr {
		phys := segment.PhysReader{R: segReader}
		info, err := vmcoreinfo.FromSysfs(phys)
		if err == nil {
			return info, nil
		}
		log.Warnf("vmcoreinfo: sysfs resolution failed, falling back to kallsyms: %v", err)
	}
	return vmcoreinfo.FromKallsymsFallback()
}

// FromPID bootstraps a Program from a live userspace process, reading memory
// directly from /proc/<pid>/mem by file offset and mappings from
// /proc/<pid>/maps.
func (a *Assembler) FromPID(pid int) (p *Program, err error) {
	memPath := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.OpenFile(memPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, progerr.Wrap(progerr.OS, err, "open %s", memPath)
	}
	var cl cleanup.Stack
	cl.Add(func() { _ = f.Close() })

	defer func() {
		if err != nil {
			cl.Unwind()
		}
	}()

	segReader := &segment.Reader{}
	segReader.Add(segment.Segment{
		VirtAddr:   0,
		PhysAddr:   segment.NoPhysAddr,
		Size:       ^uint64(0),
		FD:         f,
		FileOffset: 0,
		FileSize:   ^uint64(0),
	})

	var tbl mapping.Table
	if err := parseProcMaps(pid, &tbl); err != nil {
		return nil, err
	}

	index, err := dwarfidx.New(4096)
	if err != nil {
		return nil, fmt.Errorf("create debug index: %w", err)
	}
	cl.Add(func() { index.Close() })

	loc := &debugfile.Locator{Index: index, Verbose: a.Verbose}
	if err := loc.LocateUserspace(&tbl); err != nil {
		return nil, err
	}

	p = &Program{
		segments:     segReader,
		wordSize:     8,
		littleEndian: true,
		f:            f,
		index:        index,
		mappings:     tbl,
		cleanups:     cl,
	}
	p.Memory = remotememory.RemoteMemory{ReaderAt: segReader}
	p.UserspaceRelocator = &relocate.UserspaceRelocator{Mappings: &p.mappings}
	return p, nil
}

// parseProcMaps parses /proc/<pid>/maps into tbl. Lines whose path field is
// absent describe anonymous mappings and are skipped; every other line is
// appended to tbl.
func parseProcMaps(pid int, tbl *mapping.Table) error {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return progerr.Wrap(progerr.OS, err, "open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if err := parseMapsLine(line, tbl); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return progerr.Wrap(progerr.Other, err, "scan %s", path)
	}
	return nil
}

func parseMapsLine(line string, tbl *mapping.Table) error {
	var fields [6]string
	n := stringutil.FieldsN(line, fields[:])
	if n < 5 {
		return progerr.New(progerr.Other, "malformed /proc/<pid>/maps line: %q", line)
	}

	addrRange := fields[0]
	dash := strings.IndexByte(addrRange, '-')
	if dash < 0 {
		return progerr.New(progerr.Other, "malformed address range: %q", addrRange)
	}
	start, err := strconv.ParseUint(addrRange[:dash], 16, 64)
	if err != nil {
		return progerr.Wrap(progerr.Other, err, "parse start address")
	}
	end, err := strconv.ParseUint(addrRange[dash+1:], 16, 64)
	if err != nil {
		return progerr.Wrap(progerr.Other, err, "parse end address")
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return progerr.Wrap(progerr.Other, err, "parse file offset")
	}

	if n < 6 {
		// No path field: anonymous mapping, skipped.
		return nil
	}
	path := fields[5]

	_, err = tbl.Append(start, end, offset, path)
	return err
}
