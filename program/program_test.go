// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package program

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapurmoma5/drgn/elfnote"
	"github.com/slapurmoma5/drgn/mapping"
	"github.com/slapurmoma5/drgn/progerr"
)

func TestWordSizeOf(t *testing.T) {
	assert.Equal(t, 8, wordSizeOf(true))
	assert.Equal(t, 4, wordSizeOf(false))
}

func TestClassifyWithVMCoreInfoNoteIsKernel(t *testing.T) {
	res := &elfnote.Result{HaveVMCoreInfo: true}
	f, err := os.Open("/proc/self/cmdline")
	if err != nil {
		t.Skip("no procfs available")
	}
	defer f.Close()
	assert.True(t, classify(f, res))
}

func TestClassifyPlainFileWithTaskStructIsNotKernel(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notcore")
	require.NoError(t, err)
	defer f.Close()

	res := &elfnote.Result{HaveTaskStruct: true}
	assert.False(t, classify(f, res))
}

func TestResolveVMCoreInfoUsesEmbeddedNoteFirst(t *testing.T) {
	res := &elfnote.Result{HaveVMCoreInfo: true, OSRelease: "6.1.0", KASLROffset: 0x1000}
	info, err := resolveVMCoreInfo(nil, res, false)
	require.NoError(t, err)
	assert.Equal(t, "6.1.0", info.OSRelease)
	assert.Equal(t, uint64(0x1000), info.KASLROffset)
}

func TestParseMapsLineAppendsFileBackedMapping(t *testing.T) {
	var tbl mapping.Table
	line := "00400000-00401000 r-xp 00000000 08:01 123456 /usr/bin/app"
	require.NoError(t, parseMapsLine(line, &tbl))

	all := tbl.All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(0x400000), all[0].Start)
	assert.Equal(t, uint64(0x401000), all[0].End)
	assert.Equal(t, "/usr/bin/app", all[0].Path)
}

func TestParseMapsLineSkipsAnonymousMapping(t *testing.T) {
	var tbl mapping.Table
	line := "7f0000000000-7f0000021000 rw-p 00000000 00:00 0"
	require.NoError(t, parseMapsLine(line, &tbl))
	assert.Len(t, tbl.All(), 0)
}

func TestParseMapsLineMalformedFails(t *testing.T) {
	var tbl mapping.Table
	err := parseMapsLine("garbage", &tbl)
	assert.Error(t, err)
}

// buildNote frames one ELF note: namesz/descsz/type header, then the
// NUL-terminated name and the descriptor, each padded to 4-byte alignment.
func buildNote(name string, ntype uint32, desc []byte) []byte {
	nameBytes := append([]byte(name), 0)
	namePadded := padTo4(nameBytes)
	descPadded := padTo4(desc)

	var buf bytes.Buffer
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(nameBytes)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(desc)))
	binary.LittleEndian.PutUint32(hdr[8:12], ntype)
	buf.Write(hdr[:])
	buf.Write(namePadded)
	buf.Write(descPadded)
	return buf.Bytes()
}

func padTo4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// buildNTFileDesc64 builds an NT_FILE descriptor with one mapped file entry,
// using 64-bit fields.
func buildNTFileDesc64(start, end, fileOffsetPages, pageSize uint64, path string) []byte {
	var buf bytes.Buffer
	var word [8]byte

	binary.LittleEndian.PutUint64(word[:], 1) // count
	buf.Write(word[:])
	binary.LittleEndian.PutUint64(word[:], pageSize)
	buf.Write(word[:])

	binary.LittleEndian.PutUint64(word[:], start)
	buf.Write(word[:])
	binary.LittleEndian.PutUint64(word[:], end)
	buf.Write(word[:])
	binary.LittleEndian.PutUint64(word[:], fileOffsetPages)
	buf.Write(word[:])

	buf.WriteString(path)
	buf.WriteByte(0)
	return buf.Bytes()
}

// buildCoreFile assembles a minimal ELF64 ET_CORE file with one PT_NOTE
// segment (holding noteData verbatim) and one PT_LOAD segment backed by
// loadData, mirroring the layout program.FromCoreDump expects to walk.
func buildCoreFile(noteData, loadData []byte, loadVaddr uint64) []byte {
	const ehsize = 64
	const phentsize = 56
	const phnum = 2

	noteOff := uint64(ehsize + phentsize*phnum)
	loadOff := noteOff + uint64(len(noteData))

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	writeU16(&buf, 4)  // e_type = ET_CORE
	writeU16(&buf, 62) // e_machine = EM_X86_64
	writeU32(&buf, 1)  // e_version
	writeU64(&buf, 0)  // e_entry
	writeU64(&buf, ehsize)
	writeU64(&buf, 0) // e_shoff
	writeU32(&buf, 0) // e_flags
	writeU16(&buf, ehsize)
	writeU16(&buf, phentsize)
	writeU16(&buf, phnum)
	writeU16(&buf, 0) // e_shentsize
	writeU16(&buf, 0) // e_shnum
	writeU16(&buf, 0) // e_shstrndx

	// PT_NOTE
	writeU32(&buf, 4) // PT_NOTE
	writeU32(&buf, 0) // flags
	writeU64(&buf, noteOff)
	writeU64(&buf, 0) // vaddr
	writeU64(&buf, 0) // paddr
	writeU64(&buf, uint64(len(noteData)))
	writeU64(&buf, uint64(len(noteData)))
	writeU64(&buf, 4) // align

	// PT_LOAD
	writeU32(&buf, 1) // PT_LOAD
	writeU32(&buf, 5) // flags: R+X
	writeU64(&buf, loadOff)
	writeU64(&buf, loadVaddr)
	writeU64(&buf, 0) // paddr, left zero: no physical-address info
	writeU64(&buf, uint64(len(loadData)))
	writeU64(&buf, uint64(len(loadData)))
	writeU64(&buf, 0x1000) // align

	buf.Write(noteData)
	buf.Write(loadData)
	return buf.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func TestFromCoreDumpUserspaceParsesMappingThenFailsWithoutDebugInfo(t *testing.T) {
	desc := buildNTFileDesc64(0x400000, 0x401000, 0, 4096, "/nonexistent/app")
	note := buildNote("CORE", elfnote.NTFile, desc)
	loadData := bytes.Repeat([]byte{0x90}, 0x1000)
	coreBytes := buildCoreFile(note, loadData, 0x400000)

	path := filepath.Join(t.TempDir(), "core")
	require.NoError(t, os.WriteFile(path, coreBytes, 0o644))

	a := &Assembler{}
	_, err := a.FromCoreDump(path)
	require.Error(t, err)
	assert.True(t, progerr.Is(err, progerr.MissingDebug))
}

func TestFromCoreDumpKernelWithVMCoreInfoClassifiesAsKernel(t *testing.T) {
	vmcore := []byte("OSRELEASE=6.1.0-generic\nKERNELOFFSET=1000000\n")
	note := buildNote("VMCOREINFO", 0, vmcore)
	loadData := bytes.Repeat([]byte{0x00}, 0x1000)
	coreBytes := buildCoreFile(note, loadData, 0xffffffff81000000)

	path := filepath.Join(t.TempDir(), "core")
	require.NoError(t, os.WriteFile(path, coreBytes, 0o644))

	a := &Assembler{}
	_, err := a.FromCoreDump(path)
	// No vmlinux is present on the test host, so LocateKernel fails, but only
	// after the file was correctly classified as a kernel target.
	require.Error(t, err)
	assert.True(t, progerr.Is(err, progerr.MissingDebug))
}
