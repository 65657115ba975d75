// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package relocate

import (
	"debug/dwarf"

	"github.com/slapurmoma5/drgn/progerr"
	"github.com/slapurmoma5/drgn/remotememory"
)

// ObjectReader is the minimal capability KernelRelocator needs to walk a live
// kernel data structure (the `modules` linked list and each struct module's
// sect_attrs array) given only its DWARF type. Modeling it as its own
// interface keeps the relocator from needing a general-purpose "read any
// value of any DWARF type" evaluator — it only ever dereferences members,
// computes container addresses, indexes arrays, and reads primitives.
type ObjectReader interface {
	// MemberDeref returns the address and DWARF type of the named field of
	// the struct at addr, whose type is structType.
	MemberDeref(addr uint64, structType dwarf.Type, member string) (uint64, dwarf.Type, error)
	// ContainerOf returns the address of the struct of type containerType
	// that embeds, under the name member, the field whose address is
	// memberAddr.
	ContainerOf(memberAddr uint64, containerType dwarf.Type, member string) (uint64, error)
	// Subscript returns the address of element index of the array at addr
	// whose element type is elemType.
	Subscript(addr uint64, elemType dwarf.Type, index uint64) (uint64, error)
	// ReadCString reads a NUL-terminated string starting at addr.
	ReadCString(addr uint64) (string, error)
	// ReadUnsigned reads a little/big-endian (per the reader's target)
	// unsigned integer of the given byte size at addr.
	ReadUnsigned(addr uint64, size int) (uint64, error)
}

// DWARFObjectReader implements ObjectReader over a live memory reader using
// debug/dwarf struct layout information to compute field offsets.
type DWARFObjectReader struct {
	Mem remotememory.RemoteMemory
}

func fieldOf(t dwarf.Type, name string) (*dwarf.StructField, error) {
	st, ok := t.(*dwarf.StructType)
	if !ok {
		return nil, progerr.New(progerr.Other, "type %v is not a struct", t)
	}
	for _, f := range st.Field {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, progerr.New(progerr.Lookup, "no field %q in struct %s", name, st.StructName)
}

func (o *DWARFObjectReader) MemberDeref(
	addr uint64, structType dwarf.Type, member string,
) (uint64, dwarf.Type, error) {
	f, err := fieldOf(structType, member)
	if err != nil {
		return 0, nil, err
	}
	return addr + uint64(f.ByteOffset), f.Type, nil
}

func (o *DWARFObjectReader) ContainerOf(
	memberAddr uint64, containerType dwarf.Type, member string,
) (uint64, error) {
	f, err := fieldOf(containerType, member)
	if err != nil {
		return 0, err
	}
	return memberAddr - uint64(f.ByteOffset), nil
}

func (o *DWARFObjectReader) Subscript(addr uint64, elemType dwarf.Type, index uint64) (uint64, error) {
	if elemType == nil {
		return 0, progerr.New(progerr.Other, "subscript: nil element type")
	}
	return addr + index*uint64(elemType.Size()), nil
}

func (o *DWARFObjectReader) ReadCString(addr uint64) (string, error) {
	// Mem.String returns "" both for an unreadable address and for a
	// genuinely empty string; module/section names are never empty in
	// practice, so treating "" as a Lookup error is fine here but would be
	// wrong for a general-purpose C string reader.
	s := o.Mem.String(addr)
	if s == "" {
		return "", progerr.New(progerr.Lookup, "no C string at 0x%x", addr)
	}
	return s, nil
}

func (o *DWARFObjectReader) ReadUnsigned(addr uint64, size int) (uint64, error) {
	switch size {
	case 1:
		return uint64(o.Mem.Uint8(addr)), nil
	case 2:
		return uint64(o.Mem.Uint16(addr)), nil
	case 4:
		return uint64(o.Mem.Uint32(addr)), nil
	case 8:
		return o.Mem.Uint64(addr), nil
	default:
		return 0, progerr.New(progerr.Other, "unsupported integer size %d", size)
	}
}
