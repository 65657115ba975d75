// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfnote decodes the PT_NOTE segments of an ELF core file, in the
// same spirit as process/coredump.go's NT_FILE/NT_AUXV/NT_PRSTATUS dispatch
// and pfelf's getNoteDescBytes framing, but generalized to also recognize
// NT_TASKSTRUCT and VMCOREINFO rather than the profiler-specific notes the
// teacher cares about.
package elfnote

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/slapurmoma5/drgn/mapping"
	"github.com/slapurmoma5/drgn/progerr"
)

// Note type and name constants, per the ELF core note conventions.
const (
	// NTFile is the note type for file-backed mapping information.
	NTFile uint32 = 0x46494c45
	// NTTaskstruct is the note type signalling the core carries a copy of
	// struct task_struct (presence-only, the contents are not parsed here).
	NTTaskstruct uint32 = 4

	nameCore       = "CORE"
	nameVMCoreInfo = "VMCOREINFO"
)

// Result accumulates what was learned from walking one PT_NOTE segment.
type Result struct {
	HaveNTFile     bool
	HaveTaskStruct bool
	HaveVMCoreInfo bool
	OSRelease      string
	KASLROffset    uint64
}

const osReleaseMaxLen = 64

// alignUp4 rounds n up to the next multiple of 4, matching ELF note padding.
func alignUp4(n int) int {
	return (n + 3) &^ 3
}

// ParseSegment walks a raw PT_NOTE segment's bytes (namesz/descsz/type/name/desc
// framing, 4-byte aligned throughout) and dispatches recognized notes into res
// and tbl. is64 selects the NT_FILE descriptor's integer width.
func ParseSegment(data []byte, is64 bool, tbl *mapping.Table, res *Result) error {
	for len(data) > 0 {
		if len(data) < 12 {
			return progerr.New(progerr.ELFFormat, "truncated note header")
		}
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		ntype := binary.LittleEndian.Uint32(data[8:12])
		off := 12

		nameEnd := off + int(namesz)
		if namesz == 0 || nameEnd > len(data) {
			return progerr.New(progerr.ELFFormat, "note name out of bounds")
		}
		name := strings.TrimRight(string(data[off:nameEnd-1]), "\x00")
		off = alignUp4(nameEnd)

		descEnd := off + int(descsz)
		if descEnd > len(data) {
			return progerr.New(progerr.ELFFormat, "note descriptor out of bounds")
		}
		desc := data[off:descEnd]
		off = alignUp4(descEnd)

		switch {
		case name == nameCore && ntype == NTFile:
			res.HaveNTFile = true
			if err := parseNTFile(desc, is64, tbl); err != nil {
				return err
			}
		case name == nameCore && ntype == NTTaskstruct:
			res.HaveTaskStruct = true
		case name == nameVMCoreInfo:
			res.HaveVMCoreInfo = true
			if err := parseVMCoreInfo(desc, res); err != nil {
				return err
			}
		}

		data = data[off:]
	}
	return nil
}

// parseNTFile decodes the NT_FILE descriptor: a {count, page_size} header
// followed by count (start,end,file_offset) triples and then count
// NUL-terminated path strings, in that order. Field widths are 8 bytes when
// is64, else 4. file_offset is expressed in pages and must be multiplied by
// page_size before use.
func parseNTFile(desc []byte, is64 bool, tbl *mapping.Table) error {
	width := 4
	if is64 {
		width = 8
	}
	readWord := func(b []byte) uint64 {
		if is64 {
			return binary.LittleEndian.Uint64(b)
		}
		return uint64(binary.LittleEndian.Uint32(b))
	}

	if len(desc) < 2*width {
		return progerr.New(progerr.ELFFormat, "NT_FILE: truncated header")
	}
	count := readWord(desc[0:width])
	pageSize := readWord(desc[width : 2*width])
	off := 2 * width

	entrySize := 3 * width
	entriesEnd := off + int(count)*entrySize
	if count > (1<<32) || entriesEnd < off || entriesEnd > len(desc) {
		return progerr.New(progerr.Overflow, "NT_FILE: entry count overflow or out of bounds")
	}

	type triple struct{ start, end, fileOff uint64 }
	triples := make([]triple, count)
	for i := uint64(0); i < count; i++ {
		base := off + int(i)*entrySize
		start := readWord(desc[base : base+width])
		end := readWord(desc[base+width : base+2*width])
		fo := readWord(desc[base+2*width : base+3*width])
		if fo != 0 {
			var overflowed bool
			fo, overflowed = mulOverflow(fo, pageSize)
			if overflowed {
				return progerr.New(progerr.Overflow, "NT_FILE: file_offset*page_size overflow")
			}
		}
		triples[i] = triple{start, end, fo}
	}

	pathData := desc[entriesEnd:]
	for i := uint64(0); i < count; i++ {
		nul := indexByte(pathData, 0)
		if nul < 0 {
			return progerr.New(progerr.ELFFormat, "NT_FILE: unterminated path string")
		}
		path := string(pathData[:nul])
		pathData = pathData[nul+1:]

		t := triples[i]
		if _, err := tbl.Append(t.start, t.end, t.fileOff, path); err != nil {
			return progerr.Wrap(progerr.ELFFormat, err, "NT_FILE: invalid mapping entry")
		}
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func mulOverflow(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	r := a * b
	return r, r/a != b
}

// parseVMCoreInfo treats desc as '\n'-separated KEY=VALUE text, recognizing
// OSRELEASE and KERNELOFFSET and ignoring unknown keys.
func parseVMCoreInfo(desc []byte, res *Result) error {
	for _, line := range strings.Split(string(desc), "\n") {
		switch {
		case strings.HasPrefix(line, "OSRELEASE="):
			v := strings.TrimPrefix(line, "OSRELEASE=")
			if len(v) >= osReleaseMaxLen {
				return progerr.New(progerr.Overflow, "VMCOREINFO: OSRELEASE too long")
			}
			res.OSRelease = v
		case strings.HasPrefix(line, "KERNELOFFSET="):
			v := strings.TrimPrefix(line, "KERNELOFFSET=")
			if v == "" {
				return progerr.New(progerr.Other, "VMCOREINFO: empty KERNELOFFSET")
			}
			off, err := strconv.ParseUint(v, 16, 64)
			if err != nil {
				return progerr.Wrap(progerr.Other, err, "VMCOREINFO: malformed KERNELOFFSET")
			}
			res.KASLROffset = off
		}
	}
	if res.OSRelease == "" {
		return progerr.New(progerr.ELFFormat, "VMCOREINFO: missing OSRELEASE")
	}
	return nil
}
