// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package segment implements the FileSegmentReader component: the mapping
// from (virtual_addr, phys_addr, size) to (fd, file_offset) built from a
// core's PT_LOAD program headers, and the byte reads served from it.
package segment

import (
	"os"

	"github.com/slapurmoma5/drgn/progerr"
)

// NoPhysAddr marks a segment with no known physical address, used when every
// PT_LOAD's p_paddr is zero (meaning the core lacks physical-address info
// entirely, per the bootstrap classification rule).
const NoPhysAddr = ^uint64(0)

// Segment is one PT_LOAD's worth of backing storage.
type Segment struct {
	VirtAddr   uint64
	PhysAddr   uint64
	Size       uint64
	FD         *os.File
	FileOffset uint64
	FileSize   uint64
}

// Reader serves reads by locating the segment that covers a requested
// address and reading from its backing fd at the corresponding file offset.
// Bytes beyond a segment's FileSize but within its Size are zero-filled,
// matching a PT_LOAD whose p_memsz exceeds its p_filesz (BSS-like tail).
type Reader struct {
	segments []Segment
}

// Add registers one segment. Order of registration does not matter for
// lookups; segments are expected not to overlap.
func (r *Reader) Add(s Segment) {
	r.segments = append(r.segments, s)
}

// ReadAt implements io.ReaderAt over virtual addresses.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range r.segments {
		s := &r.segments[i]
		if addr < s.VirtAddr || addr >= s.VirtAddr+s.Size {
			continue
		}
		return readFromSegment(s, s.VirtAddr, addr, p)
	}
	return 0, progerr.New(progerr.Lookup, "no segment covers virtual address 0x%x", addr)
}

// PhysReader adapts Reader to serve reads by physical address instead,
// needed when resolving VMCOREINFO through /sys/kernel/vmcoreinfo.
type PhysReader struct {
	R *Reader
}

// ReadAt implements io.ReaderAt over physical addresses.
func (pr PhysReader) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range pr.R.segments {
		s := &pr.R.segments[i]
		if s.PhysAddr == NoPhysAddr {
			continue
		}
		if addr < s.PhysAddr || addr >= s.PhysAddr+s.Size {
			continue
		}
		return readFromSegment(s, s.PhysAddr, addr, p)
	}
	return 0, progerr.New(progerr.Lookup, "no segment covers physical address 0x%x", addr)
}

func readFromSegment(s *Segment, base, addr uint64, p []byte) (int, error) {
	offsetInSeg := addr - base
	fileOff := s.FileOffset + offsetInSeg

	if offsetInSeg >= uint64(s.FileSize) {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	avail := uint64(s.FileSize) - offsetInSeg
	if uint64(len(p)) <= avail {
		return s.FD.ReadAt(p, int64(fileOff))
	}

	n, err := s.FD.ReadAt(p[:avail], int64(fileOff))
	if err != nil {
		return n, err
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}
