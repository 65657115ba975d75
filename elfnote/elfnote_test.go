// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfnote

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapurmoma5/drgn/mapping"
)

// buildNote assembles one {namesz,descsz,type,name,desc} note, 4-byte padded.
func buildNote(name string, ntype uint32, desc []byte) []byte {
	nameBytes := append([]byte(name), 0)
	var buf []byte
	put32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	put32(uint32(len(nameBytes)))
	put32(uint32(len(desc)))
	put32(ntype)
	buf = append(buf, nameBytes...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, desc...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func buildNTFileDesc64(pageSize uint64, entries [][3]uint64, paths []string) []byte {
	var buf []byte
	put64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	put64(uint64(len(entries)))
	put64(pageSize)
	for _, e := range entries {
		put64(e[0])
		put64(e[1])
		put64(e[2])
	}
	for _, p := range paths {
		buf = append(buf, []byte(p)...)
		buf = append(buf, 0)
	}
	return buf
}

func TestParseSegmentNTFileAdjacentMerges(t *testing.T) {
	desc := buildNTFileDesc64(0x1000, [][3]uint64{
		{0x400000, 0x401000, 0},
		{0x401000, 0x402000, 1},
	}, []string{"/bin/ls", "/bin/ls"})

	seg := buildNote(nameCore, NTFile, desc)

	var tbl mapping.Table
	var res Result
	require.NoError(t, ParseSegment(seg, true, &tbl, &res))

	assert.True(t, res.HaveNTFile)
	all := tbl.All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(0x400000), all[0].Start)
	assert.Equal(t, uint64(0x402000), all[0].End)
	assert.Equal(t, uint64(0), all[0].FileOffset)
}

func TestParseSegmentTaskstructPresenceOnly(t *testing.T) {
	seg := buildNote(nameCore, NTTaskstruct, nil)

	var tbl mapping.Table
	var res Result
	require.NoError(t, ParseSegment(seg, true, &tbl, &res))
	assert.True(t, res.HaveTaskStruct)
	assert.Equal(t, 0, tbl.Len())
}

func TestParseSegmentVMCoreInfo(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nKERNELOFFSET=12345678\n")
	seg := buildNote(nameVMCoreInfo, 0, desc)

	var tbl mapping.Table
	var res Result
	require.NoError(t, ParseSegment(seg, true, &tbl, &res))

	assert.True(t, res.HaveVMCoreInfo)
	assert.Equal(t, "5.10.0", res.OSRelease)
	assert.Equal(t, uint64(0x12345678), res.KASLROffset)
}

func TestParseSegmentVMCoreInfoMissingOSReleaseErrors(t *testing.T) {
	desc := []byte("KERNELOFFSET=1\n")
	seg := buildNote(nameVMCoreInfo, 0, desc)

	var tbl mapping.Table
	var res Result
	err := ParseSegment(seg, true, &tbl, &res)
	assert.Error(t, err)
}

func TestParseSegmentMultipleNotesConcatenated(t *testing.T) {
	fileDesc := buildNTFileDesc64(0x1000, [][3]uint64{{0x1000, 0x2000, 0}}, []string{"/bin/a"})
	seg := append(buildNote(nameCore, NTFile, fileDesc), buildNote(nameCore, NTTaskstruct, nil)...)

	var tbl mapping.Table
	var res Result
	require.NoError(t, ParseSegment(seg, true, &tbl, &res))

	assert.True(t, res.HaveNTFile)
	assert.True(t, res.HaveTaskStruct)
	assert.Equal(t, 1, tbl.Len())
}
