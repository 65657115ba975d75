// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf_test

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapurmoma5/drgn/pfelf"
)

func TestParseDebugLink(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		wantLink string
		wantCRC  int32
		wantErr  bool
	}{
		{
			name:     "unpadded to 4 bytes",
			data:     append([]byte("vmlinux.debug\x00"), 0x01, 0x02, 0x03, 0x04),
			wantLink: "vmlinux.debug",
			wantCRC:  int32(binary.LittleEndian.Uint32([]byte{0x01, 0x02, 0x03, 0x04})),
		},
		{
			name:     "padded to 4 bytes",
			data:     append([]byte("foo.ko.debug\x00\x00\x00\x00"), 0xAA, 0xBB, 0xCC, 0xDD),
			wantLink: "foo.ko.debug",
			wantCRC:  int32(binary.LittleEndian.Uint32([]byte{0xAA, 0xBB, 0xCC, 0xDD})),
		},
		{
			name:    "not NUL terminated",
			data:    []byte("nonul"),
			wantErr: true,
		},
		{
			name:    "truncated CRC32",
			data:    []byte("x\x00"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, crc, err := pfelf.ParseDebugLink(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLink, link)
			assert.Equal(t, tt.wantCRC, crc)
		})
	}
}

// buildIDNote constructs a raw GNU build-id note: namesz/descsz/type header,
// "GNU\0" name (4-byte aligned), then the descriptor bytes.
func buildIDNote(id []byte) []byte {
	name := []byte("GNU\x00")
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(id)))
	buf = binary.LittleEndian.AppendUint32(buf, 0x3)
	buf = append(buf, name...)
	buf = append(buf, id...)
	return buf
}

func TestGetBuildIDFromNotesFile(t *testing.T) {
	id := []byte("_notorious_build_id_")
	dir := t.TempDir()
	path := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(path, buildIDNote(id), 0o644))

	got, err := pfelf.GetBuildIDFromNotesFile(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(id), got)
}

func TestGetBuildIDFromNotesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(path, []byte("no notes here"), 0o644))

	_, err := pfelf.GetBuildIDFromNotesFile(path)
	assert.ErrorIs(t, err, pfelf.ErrNoBuildID)
}
