// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapping implements the ordered table of file-backed virtual memory
// mappings built while scanning NT_FILE notes or /proc/<pid>/maps lines,
// mirroring the mapping bookkeeping in process/coredump.go and
// process/process.go but generalized to cover both sources through one
// Append contract.
package mapping

import (
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/slapurmoma5/drgn/internal/log"
)

// Outcome reports what Append did with an incoming mapping.
type Outcome int

const (
	// Appended means a new entry was pushed.
	Appended Outcome = iota
	// Merged means the entry extended the previous one in place; Append does
	// not keep the incoming path, so the caller may discard it.
	Merged
)

// FileMapping is one file-backed virtual address range.
type FileMapping struct {
	Start      uint64
	End        uint64
	FileOffset uint64
	Path       string
	// ELF is a weak back-pointer to the opened debug file backing this
	// mapping, populated later by a debug file locator. It is nil until that
	// file is successfully opened. The mapping table does not own it.
	ELF any
}

// Length returns End - Start.
func (m *FileMapping) Length() uint64 {
	return m.End - m.Start
}

// Table is the ordered list of FileMappings accumulated for one target.
// Adjacent mappings that are contiguous in virtual address, file offset, and
// share a path are merged into one entry rather than kept as two, matching
// the merge invariant required of NT_FILE and /proc/<pid>/maps parsing alike.
type Table struct {
	mappings []FileMapping
}

// Append inserts [start,end) at file_offset in path. It rejects start>end,
// silently drops the zero-length start==end case (Appended with no effect,
// since there is nothing to merge or add), and merges into the previous
// mapping when contiguous. Capacity grows by doubling from 1, as in the
// original C implementation's realloc policy.
func (t *Table) Append(start, end, fileOffset uint64, path string) (Outcome, error) {
	if start > end {
		return Appended, fmt.Errorf("mapping: start 0x%x > end 0x%x", start, end)
	}
	if start == end {
		return Appended, nil
	}

	if n := len(t.mappings); n > 0 {
		prev := &t.mappings[n-1]
		if prev.End == start && prev.FileOffset+prev.Length() == fileOffset &&
			prev.Path == path {
			prev.End = end
			return Merged, nil
		}
	}

	if cap(t.mappings) == len(t.mappings) {
		newCap := cap(t.mappings) * 2
		if newCap == 0 {
			newCap = 1
		}
		grown := make([]FileMapping, len(t.mappings), newCap)
		copy(grown, t.mappings)
		t.mappings = grown
	}

	t.mappings = append(t.mappings, FileMapping{
		Start:      start,
		End:        end,
		FileOffset: fileOffset,
		Path:       path,
	})
	log.Debugf("mapping: appended %s [0x%x-0x%x) @0x%x key=%x",
		path, start, end, fileOffset, DedupeKey(path, start, fileOffset))
	return Appended, nil
}

// All returns the accumulated mappings in insertion order. The returned
// slice must not be mutated by the caller except through the ELF field.
func (t *Table) All() []FileMapping {
	return t.mappings
}

// Reset discards all mappings, used when a kernel target is detected and any
// NT_FILE-derived mappings must be thrown away in favor of VMCOREINFO.
func (t *Table) Reset() {
	t.mappings = nil
}

// Len reports the number of mappings currently held.
func (t *Table) Len() int {
	return len(t.mappings)
}

// FindByOffset returns the mapping whose elf handle equals elf and whose
// file-offset range covers fileOffset, or nil. Used by the userspace
// relocator (phdr file_offset -> live mapping -> virtual address).
func (t *Table) FindByOffset(elf any, fileOffset uint64) *FileMapping {
	for i := range t.mappings {
		m := &t.mappings[i]
		if m.ELF != elf {
			continue
		}
		length := m.Length()
		if fileOffset >= m.FileOffset && fileOffset < m.FileOffset+length {
			return m
		}
	}
	return nil
}

// DedupeKey returns a stable hash identifying (path, start, fileOffset),
// useful for logging/diagnostics when scanning large mapping sets without
// repeated string comparisons.
func DedupeKey(path string, start, fileOffset uint64) uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(path)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(start >> (8 * i))
		buf[8+i] = byte(fileOffset >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
