// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmcoreinfo resolves a kernel target's osrelease and KASLR offset
// from one of three sources, in priority order: an embedded VMCOREINFO note,
// /sys/kernel/vmcoreinfo read through the target's physical memory, or a
// /proc/kallsyms + vmlinux .symtab fallback. The /proc/kallsyms line scanning
// follows the allocation-free field-splitting idiom used by
// kallsyms.updateSymbolsFrom, adapted to the single-symbol lookup this
// resolver needs rather than the full multi-module symbolizer.
package vmcoreinfo

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/slapurmoma5/drgn/internal/log"
	"github.com/slapurmoma5/drgn/progerr"
	"github.com/slapurmoma5/drgn/stringutil"
)

// Info is the resolved VMCOREINFO data.
type Info struct {
	OSRelease   string
	KASLROffset uint64
}

// ProcSuperMagic is the f_type value fstatfs() reports for the procfs
// superblock, used to confirm a source is really /proc/kcore.
const ProcSuperMagic = 0x9fa0

// kallsymsPath is a var rather than a constant so tests can point
// LookupKallsymsSymbol at a fixture file.
var kallsymsPath = "/proc/kallsyms"

// IsProcKcore reports whether fd's filesystem is procfs.
func IsProcKcore(fd uintptr) bool {
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(fd), &st); err != nil {
		return false
	}
	return int64(st.Type) == ProcSuperMagic
}

// FromSysfs reads the two hex words "address size" out of
// /sys/kernel/vmcoreinfo, then reads that many bytes from phys (the target's
// physical address space), validates an Elf64_Nhdr prefix naming
// "VMCOREINFO", and parses the descriptor that follows it.
func FromSysfs(phys io.ReaderAt) (Info, error) {
	raw, err := os.ReadFile("/sys/kernel/vmcoreinfo")
	if err != nil {
		return Info{}, progerr.Wrap(progerr.OS, err, "read /sys/kernel/vmcoreinfo")
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return Info{}, progerr.New(progerr.Other, "malformed /sys/kernel/vmcoreinfo")
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Info{}, progerr.Wrap(progerr.Other, err, "parse vmcoreinfo address")
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Info{}, progerr.Wrap(progerr.Other, err, "parse vmcoreinfo size")
	}

	if size < 24 {
		return Info{}, progerr.New(progerr.ELFFormat, "vmcoreinfo note too small (%d bytes)", size)
	}
	buf := make([]byte, size)
	if _, err := phys.ReadAt(buf, int64(addr)); err != nil {
		return Info{}, progerr.Wrap(progerr.OS, err, "read vmcoreinfo note from physical memory")
	}

	namesz := binary.LittleEndian.Uint32(buf[0:4])
	descsz := binary.LittleEndian.Uint32(buf[4:8])
	name := string(buf[12:22])
	if namesz != 11 || name != "VMCOREINFO" || uint64(descsz) > size-24 {
		return Info{}, progerr.New(progerr.ELFFormat, "malformed VMCOREINFO note header")
	}

	desc := buf[24 : 24+descsz]
	return parseKeyValueText(desc)
}

func parseKeyValueText(desc []byte) (Info, error) {
	var info Info
	for _, line := range strings.Split(string(desc), "\n") {
		switch {
		case strings.HasPrefix(line, "OSRELEASE="):
			info.OSRelease = strings.TrimPrefix(line, "OSRELEASE=")
		case strings.HasPrefix(line, "KERNELOFFSET="):
			v := strings.TrimPrefix(line, "KERNELOFFSET=")
			off, err := strconv.ParseUint(v, 16, 64)
			if err != nil {
				return Info{}, progerr.Wrap(progerr.Other, err, "parse KERNELOFFSET")
			}
			info.KASLROffset = off
		}
	}
	if info.OSRelease == "" {
		return Info{}, progerr.New(progerr.ELFFormat, "vmcoreinfo missing OSRELEASE")
	}
	return info, nil
}

// vmlinuxPaths mirrors the search order DebugFileLocator uses for vmlinux.
var vmlinuxPaths = []string{
	"/usr/lib/debug/lib/modules/%s/vmlinux",
	"/boot/vmlinux-%s",
	"/lib/modules/%s/build/vmlinux",
}

// FromKallsymsFallback computes kaslr_offset = kallsyms(_stext) - vmlinux(_stext)
// when the core has no physical-address information to resolve VMCOREINFO
// through sysfs. osrelease normally comes from uname(2); tests may override
// it by calling FromKallsymsFallbackFor directly.
func FromKallsymsFallback() (Info, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Info{}, progerr.Wrap(progerr.OS, err, "uname")
	}
	osrelease := utsnameToString(uts.Release)
	return FromKallsymsFallbackFor(osrelease)
}

// FromKallsymsFallbackFor runs the kallsyms/vmlinux fallback for an explicit
// osrelease string, separated out so it can be exercised without uname(2).
func FromKallsymsFallbackFor(osrelease string) (Info, error) {
	kallsymsAddr, found, err := LookupKallsymsSymbol("_stext")
	if err != nil {
		return Info{}, err
	}
	if !found {
		return Info{}, progerr.New(progerr.Lookup, "_stext not found in /proc/kallsyms")
	}

	var lastErr error
	for _, pattern := range vmlinuxPaths {
		path := fmt.Sprintf(pattern, osrelease)
		elfAddr, err := lookupELFSymbol(path, "_stext")
		if err != nil {
			lastErr = err
			continue
		}
		return Info{OSRelease: osrelease, KASLROffset: kallsymsAddr - elfAddr}, nil
	}
	if lastErr == nil {
		lastErr = progerr.New(progerr.MissingDebug, "no vmlinux found for %s", osrelease)
	}
	return Info{}, lastErr
}

func utsnameToString(b [65]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// LookupKallsymsSymbol scans /proc/kallsyms for name and returns its address.
// Each line is "<hex-addr> <type-char> <name>" possibly followed by a module
// tag; fields are split with stringutil.FieldsN the way kallsyms.go does to
// avoid per-line allocation. The address is re-parsed from the start of the
// raw line rather than reused from the split field: if a caller ever
// refactors this to share line buffers with a tokenizer that writes NULs into
// the backing array (as strtok_r does in the original C), re-splitting from
// addr_str could silently return a truncated value. Parsing straight from the
// line's own first field keeps this robust regardless of how the line was
// tokenized.
func LookupKallsymsSymbol(name string) (addr uint64, found bool, err error) {
	f, err := os.Open(kallsymsPath)
	if err != nil {
		return 0, false, progerr.Wrap(progerr.OS, err, "open /proc/kallsyms")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var fields [3]string
	for scanner.Scan() {
		line := scanner.Text()
		n := stringutil.FieldsN(line, fields[:])
		if n < 3 {
			continue
		}
		if fields[2] != name {
			continue
		}
		// Re-parse from the start of the line, not from fields[0]: see doc
		// comment above.
		addrField := line[:strings.IndexByte(line, ' ')]
		v, perr := strconv.ParseUint(addrField, 16, 64)
		if perr != nil {
			log.Debugf("kallsyms: skipping unparsable address on line %q: %v", line, perr)
			continue
		}
		return v, true, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, false, progerr.Wrap(progerr.Other, err, "scan /proc/kallsyms")
	}
	return 0, false, nil
}

// lookupELFSymbol opens path as an ELF file and returns the value of the
// named symbol from its .symtab.
func lookupELFSymbol(path, name string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, progerr.Wrap(progerr.OS, err, "open %s", path)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return 0, progerr.Wrap(progerr.MissingDebug, err, "%s has no symbol table", path)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, progerr.New(progerr.Lookup, "%s: symbol %s not found", path, name)
}
