// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package relocate implements the two relocation hooks a Program installs at
// bootstrap: KernelRelocator (KASLR offset for vmlinux, struct-module section
// walking for loadable modules) and UserspaceRelocator (PT_LOAD phdr to live
// file-mapping translation). Both mutate a Symbol's address in place, as
// required by the bootstrap core's relocation-hook contract.
package relocate

import (
	"debug/dwarf"
	"debug/elf"

	"github.com/ianlancetaylor/demangle"

	"github.com/slapurmoma5/drgn/dwarfidx"
	"github.com/slapurmoma5/drgn/internal/log"
	"github.com/slapurmoma5/drgn/mapping"
	"github.com/slapurmoma5/drgn/progerr"
)

// Symbol is the address-bearing value a relocator translates, as consumed by
// the bootstrap core's callers (a DWARF symbol index wraps this with the name
// lookup; only Address is mutated here).
type Symbol struct {
	Name          string
	Address       uint64
	IsEnumerator  bool
	QualifiedType string
	LittleEndian  bool
}

// KASLRSource supplies the KASLR offset a vmlinux relocation needs.
type KASLRSource interface {
	KASLROffset() uint64
}

// KernelRelocator resolves DWARF-relative addresses for kernel targets.
type KernelRelocator struct {
	KASLR KASLRSource

	// Objects is used only for ET_REL (module) symbols, to walk the live
	// `modules` list and a module's sect_attrs array.
	Objects ObjectReader
	// ModulesListHead is the address of the kernel's global `modules`
	// list_head.
	ModulesListHead uint64
	// ModuleType is the DWARF type of `struct module`.
	ModuleType dwarf.Type
	// SectAttrsType is the DWARF type of `struct module_sect_attrs`.
	SectAttrsType dwarf.Type
	// SectAttrType is the DWARF type of one `struct module_sect_attr`.
	SectAttrType dwarf.Type
}

// Relocate resolves sym.Address in place, given the DWARF handle (and hence
// ELF type) that owns the symbol's compile unit.
func (r *KernelRelocator) Relocate(sym *Symbol, h *dwarfidx.Handle) error {
	switch h.ELF.Type {
	case elf.ET_EXEC:
		sym.Address += r.KASLR.KASLROffset()
		return nil
	case elf.ET_REL:
		return r.relocateModule(sym, h)
	default:
		return progerr.New(progerr.Other, "unexpected ELF type %v for kernel relocation", h.ELF.Type)
	}
}

func (r *KernelRelocator) relocateModule(sym *Symbol, h *dwarfidx.Handle) error {
	if r.Objects == nil || r.ModuleType == nil {
		return progerr.New(progerr.MissingDebug,
			"module relocation unavailable: no struct module DWARF type or live modules list")
	}
	modName, err := moduleName(h.ELF)
	if err != nil {
		return err
	}
	sectionName, err := symbolSectionName(h.ELF, sym.Address)
	if err != nil {
		return err
	}
	modAddr, err := r.findLiveModule(modName)
	if err != nil {
		return err
	}
	sectionAddr, err := r.sectionAddress(modAddr, sectionName)
	if err != nil {
		return err
	}
	log.Debugf("relocate: %s resolved via module %s section %s (demangled %s) at 0x%x",
		sym.Name, modName, sectionName, DemangleSectionName(sectionName), sectionAddr)
	sym.Address += sectionAddr
	return nil
}

// moduleName scans a module ELF's .modinfo section, a sequence of
// NUL-delimited "key=value" entries, for the "name=" key.
func moduleName(f *elf.File) (string, error) {
	sec := f.Section(".modinfo")
	if sec == nil {
		return "", progerr.New(progerr.Lookup, "no .modinfo section")
	}
	data, err := sec.Data()
	if err != nil {
		return "", progerr.Wrap(progerr.OS, err, "read .modinfo")
	}
	for _, entry := range splitNUL(data) {
		const key = "name="
		if len(entry) > len(key) && entry[:len(key)] == key {
			return entry[len(key):], nil
		}
	}
	return "", progerr.New(progerr.Lookup, "no name= entry in .modinfo")
}

func splitNUL(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == 0 {
			if i > start {
				out = append(out, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// symbolSectionName finds the .symtab entry whose value equals addr (an
// address match, not a name match, since aliased symbols share an address)
// and returns the name of the section it belongs to. debug/elf's Symbols
// leaves SHN_XINDEX in place, so the real section index of such a symbol is
// read from the SHT_SYMTAB_SHNDX section.
func symbolSectionName(f *elf.File, addr uint64) (string, error) {
	syms, err := f.Symbols()
	if err != nil {
		return "", progerr.Wrap(progerr.LIBELF, err, "read .symtab")
	}
	for i, s := range syms {
		if s.Value != addr {
			continue
		}
		idx := int(s.Section)
		if s.Section == elf.SHN_XINDEX {
			shndx := f.SectionByType(elf.SHT_SYMTAB_SHNDX)
			if shndx == nil {
				return "", progerr.New(progerr.ELFFormat, "SHN_XINDEX symbol without SHT_SYMTAB_SHNDX section")
			}
			data, err := shndx.Data()
			// Symbols omits the null symbol, so syms[i] is .symtab entry i+1.
			off := 4 * (i + 1)
			if err != nil || off+4 > len(data) {
				return "", progerr.New(progerr.ELFFormat, "no extended section index for symbol %d", i+1)
			}
			idx = int(f.ByteOrder.Uint32(data[off : off+4]))
		}
		if idx < 0 || idx >= len(f.Sections) {
			return "", progerr.New(progerr.ELFFormat, "symbol section index %d out of range", idx)
		}
		return f.Sections[idx].Name, nil
	}
	return "", progerr.New(progerr.Lookup, "no .symtab entry at address 0x%x", addr)
}

// findLiveModule walks the kernel's `modules` doubly-linked list looking for
// the struct module whose name matches. ModulesListHead is the address of the
// global `modules` list_head itself, not a struct module, so the first hop
// reads its "next" pointer directly at offset 0; every subsequent hop walks
// list_head -> container_of to reach the owning struct module, matching
// drgn_program_find_module_fast's head->next / container_of order. If the
// walk returns to the head without a match, the module is not currently
// loaded.
func (r *KernelRelocator) findLiveModule(name string) (uint64, error) {
	head := r.ModulesListHead
	nextVal, err := r.Objects.ReadUnsigned(head, 8)
	if err != nil {
		return 0, err
	}
	for {
		if nextVal == head {
			return 0, progerr.New(progerr.Lookup, "%s is not loaded", name)
		}
		modAddr, err := r.Objects.ContainerOf(nextVal, r.ModuleType, "list")
		if err != nil {
			return 0, err
		}
		nameAddr, _, err := r.Objects.MemberDeref(modAddr, r.ModuleType, "name")
		if err != nil {
			return 0, err
		}
		modName, err := r.Objects.ReadCString(nameAddr)
		if err != nil {
			return 0, err
		}
		if modName == name {
			return modAddr, nil
		}
		listAddr, _, err := r.Objects.MemberDeref(modAddr, r.ModuleType, "list")
		if err != nil {
			return 0, err
		}
		nextVal, err = r.Objects.ReadUnsigned(listAddr, 8)
		if err != nil {
			return 0, err
		}
	}
}

// sectionAddress dereferences module.sect_attrs (nsections, attrs[]) and
// scans attrs[i].name for sectionName, returning attrs[i].address on match.
func (r *KernelRelocator) sectionAddress(modAddr uint64, sectionName string) (uint64, error) {
	sectAttrsPtrAddr, _, err := r.Objects.MemberDeref(modAddr, r.ModuleType, "sect_attrs")
	if err != nil {
		return 0, err
	}
	sectAttrs, err := r.Objects.ReadUnsigned(sectAttrsPtrAddr, 8)
	if err != nil {
		return 0, err
	}

	nAddr, _, err := r.Objects.MemberDeref(sectAttrs, r.SectAttrsType, "nsections")
	if err != nil {
		return 0, err
	}
	n, err := r.Objects.ReadUnsigned(nAddr, 4)
	if err != nil {
		return 0, err
	}

	// MemberDeref returns the *array* type of the flexible member, not its
	// element type (ArrayType.Size() is the whole-array size, 0/-1 for a
	// flexible array) — Subscript needs the element stride, so pass the
	// known element type directly rather than the type MemberDeref returned.
	attrsAddr, _, err := r.Objects.MemberDeref(sectAttrs, r.SectAttrsType, "attrs")
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < n; i++ {
		elemAddr, err := r.Objects.Subscript(attrsAddr, r.SectAttrType, i)
		if err != nil {
			return 0, err
		}
		nameAddr, _, err := r.Objects.MemberDeref(elemAddr, r.SectAttrType, "name")
		if err != nil {
			return 0, err
		}
		namePtr, err := r.Objects.ReadUnsigned(nameAddr, 8)
		if err != nil {
			return 0, err
		}
		name, err := r.Objects.ReadCString(namePtr)
		if err != nil {
			return 0, err
		}
		if name != sectionName {
			continue
		}
		addrField, _, err := r.Objects.MemberDeref(elemAddr, r.SectAttrType, "address")
		if err != nil {
			return 0, err
		}
		return r.Objects.ReadUnsigned(addrField, 8)
	}
	return 0, progerr.New(progerr.Lookup, "section %s not found in module sect_attrs", sectionName)
}

// DemangleSectionName returns a human-readable form of a possibly C++-mangled
// symbol name, used only for diagnostic display when reporting a module
// relocation's resolved section. Names that don't parse as mangled C++ are
// returned unchanged.
func DemangleSectionName(name string) string {
	if out := demangle.Filter(name); out != name {
		return out
	}
	return name
}

// UserspaceRelocator resolves DWARF-relative addresses for userspace targets
// by mapping the symbol's address through the owning ELF's PT_LOAD program
// headers and then through the live file-mapping table.
type UserspaceRelocator struct {
	Mappings *mapping.Table
}

// Relocate resolves sym.Address in place. elfKey identifies, by the same
// identity used when the mapping's ELF field was populated, which mapping(s)
// are eligible matches.
func (r *UserspaceRelocator) Relocate(sym *Symbol, f *elf.File, elfKey any) error {
	var matched *elf.Prog
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if sym.Address >= p.Vaddr && sym.Address < p.Vaddr+p.Memsz {
			matched = p
			break
		}
	}
	if matched == nil {
		return progerr.New(progerr.Lookup, "no PT_LOAD segment covers address 0x%x", sym.Address)
	}

	fileOffset := matched.Off + (sym.Address - matched.Vaddr)

	m := r.Mappings.FindByOffset(elfKey, fileOffset)
	if m == nil {
		return progerr.New(progerr.Lookup, "no mapping covers file offset 0x%x", fileOffset)
	}
	sym.Address = m.Start + (fileOffset - m.FileOffset)
	return nil
}
