// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfidx is the minimal DWARF/type/symbol index collaborator the
// bootstrap core depends on at its interface only: given a file path, open it
// and expose its debug info; given a type name, resolve and cache the
// matching DIE. The heavier concerns of a real type/symbol index (full type
// graph construction, value rendering) are out of scope here, matching the
// external-collaborator boundary the spec draws around this subsystem.
package dwarfidx

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/elastic/go-freelru"

	"github.com/slapurmoma5/drgn/pfelf"
	"github.com/slapurmoma5/drgn/progerr"
)

// Handle is one opened debug ELF file and its DWARF data.
type Handle struct {
	Path  string
	ELF   *elf.File
	DWARF *dwarf.Data
}

// Index holds every successfully opened debug file for one Program and
// caches DIE offset lookups by (handle pointer, type name) so repeated
// relocation queries for the same type don't re-walk the DWARF tree.
type Index struct {
	handles []*Handle
	cache   *freelru.LRU[typeKey, dwarf.Offset]
}

type typeKey struct {
	handle *Handle
	name   string
}

func hashTypeKey(k typeKey) uint32 {
	h := uint32(2166136261)
	for _, c := range k.name {
		h = (h ^ uint32(c)) * 16777619
	}
	// Mix in the handle pointer identity so distinct files with
	// same-named types don't collide.
	p := uintptr(unsafe.Pointer(k.handle))
	h = (h ^ uint32(p)) * 16777619
	return h
}

// New creates an empty Index with a bounded type-lookup cache.
func New(cacheSize uint32) (*Index, error) {
	cache, err := freelru.New[typeKey, dwarf.Offset](cacheSize, hashTypeKey)
	if err != nil {
		return nil, fmt.Errorf("dwarfidx: create cache: %w", err)
	}
	return &Index{cache: cache}, nil
}

// Add opens path as an ELF file and requires it to carry DWARF debug info.
// Errors are classified so DebugFileLocator can decide whether to tolerate
// them and move on to the next candidate: OS when the file does not exist,
// ELFFormat for any other failure to open or parse it as an ELF (a permission
// error included), and MissingDebug when it's a valid ELF lacking usable
// .debug_info.
func (ix *Index) Add(path string) (*Handle, error) {
	f, err := elf.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, progerr.Wrap(progerr.OS, err, "open %s", path)
		}
		return nil, progerr.Wrap(progerr.ELFFormat, err, "%s is not a valid ELF", path)
	}

	d, err := f.DWARF()
	if err != nil {
		if lf, ld, linkedPath, linkErr := ix.followDebugLink(path, f); linkErr == nil {
			_ = f.Close()
			h := &Handle{Path: linkedPath, ELF: lf, DWARF: ld}
			ix.handles = append(ix.handles, h)
			return h, nil
		}
		_ = f.Close()
		return nil, progerr.Wrap(progerr.MissingDebug, err, "%s has no usable debug info", path)
	}

	h := &Handle{Path: path, ELF: f, DWARF: d}
	ix.handles = append(ix.handles, h)
	return h, nil
}

// followDebugLink reads f's .gnu_debuglink section (name plus CRC32, per the
// GNU debug-link convention) and tries to open the referenced file alongside
// path and under /usr/lib/debug, mirroring how split debug packages are laid
// out on most distributions.
func (ix *Index) followDebugLink(path string, f *elf.File) (*elf.File, *dwarf.Data, string, error) {
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return nil, nil, "", pfelf.ErrNoDebugLink
	}
	data, err := sec.Data()
	if err != nil {
		return nil, nil, "", err
	}
	linkName, _, err := pfelf.ParseDebugLink(data)
	if err != nil {
		return nil, nil, "", err
	}

	dir := filepath.Dir(path)
	candidates := []string{
		filepath.Join(dir, linkName),
		filepath.Join("/usr/lib/debug", dir, linkName),
	}
	for _, candidate := range candidates {
		lf, lerr := elf.Open(candidate)
		if lerr != nil {
			continue
		}
		ld, derr := lf.DWARF()
		if derr != nil {
			_ = lf.Close()
			continue
		}
		return lf, ld, candidate, nil
	}
	return nil, nil, "", progerr.New(progerr.MissingDebug, "no debug-link target found for %s", path)
}

// Handles returns every successfully added debug file, in Add order.
func (ix *Index) Handles() []*Handle {
	return ix.handles
}

// WordSize returns the pointer width of the first indexed file, or 8 if none
// has been added yet.
func (ix *Index) WordSize() int {
	if len(ix.handles) == 0 {
		return 8
	}
	if ix.handles[0].ELF.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// LittleEndian reports the byte order of the first indexed file, defaulting
// to true (the overwhelmingly common case for the architectures this core
// targets) if none has been added yet.
func (ix *Index) LittleEndian() bool {
	if len(ix.handles) == 0 {
		return true
	}
	return ix.handles[0].ELF.ByteOrder.String() == "LittleEndian"
}

// typeTags are the DIE tags LookupTypeOffset considers when matching name.
// Without this filter the first DW_AT_name match for, say, "module" is very
// likely a DW_TAG_member or DW_TAG_variable rather than the struct type
// itself, and dwarf.Data.Type on that offset fails.
var typeTags = map[dwarf.Tag]bool{
	dwarf.TagStructType:      true,
	dwarf.TagUnionType:       true,
	dwarf.TagTypedef:         true,
	dwarf.TagBaseType:        true,
	dwarf.TagEnumerationType: true,
	dwarf.TagArrayType:       true,
	dwarf.TagPointerType:     true,
}

// LookupTypeOffset resolves name to a DIE offset within h's DWARF data,
// consulting (and populating) the shared cache first.
func (ix *Index) LookupTypeOffset(h *Handle, name string) (dwarf.Offset, error) {
	key := typeKey{handle: h, name: name}
	if off, ok := ix.cache.Get(key); ok {
		return off, nil
	}

	reader := h.DWARF.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return 0, progerr.Wrap(progerr.Other, err, "walk DWARF tree in %s", h.Path)
		}
		if entry == nil {
			break
		}
		if !typeTags[entry.Tag] {
			continue
		}
		if n, ok := entry.Val(dwarf.AttrName).(string); ok && n == name {
			ix.cache.Add(key, entry.Offset)
			return entry.Offset, nil
		}
	}
	return 0, progerr.New(progerr.Lookup, "type %s not found in %s", name, h.Path)
}

// LookupType resolves name to a dwarf.Type within h's DWARF data, built on
// top of LookupTypeOffset's cached DIE lookup. Callers that need to walk a
// live kernel data structure by field name (relocate.ObjectReader) work in
// terms of dwarf.Type rather than raw offsets.
func (ix *Index) LookupType(h *Handle, name string) (dwarf.Type, error) {
	off, err := ix.LookupTypeOffset(h, name)
	if err != nil {
		return nil, err
	}
	t, err := h.DWARF.Type(off)
	if err != nil {
		return nil, progerr.Wrap(progerr.Other, err, "resolve type %s in %s", name, h.Path)
	}
	return t, nil
}

// Close releases every opened debug file.
func (ix *Index) Close() {
	for _, h := range ix.handles {
		_ = h.ELF.Close()
	}
	ix.handles = nil
}
