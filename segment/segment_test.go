// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package segment

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "segment")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestReaderReadsWithinFileSize(t *testing.T) {
	f := writeTempFile(t, []byte("hello world"))
	var r Reader
	r.Add(Segment{VirtAddr: 0x1000, Size: 0x2000, FD: f, FileOffset: 0, FileSize: 11})

	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestReaderZeroFillsBeyondFileSize(t *testing.T) {
	f := writeTempFile(t, []byte("abcd"))
	var r Reader
	r.Add(Segment{VirtAddr: 0x1000, Size: 0x100, FD: f, FileOffset: 0, FileSize: 4})

	buf := make([]byte, 8)
	n, err := r.ReadAt(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "abcd\x00\x00\x00\x00", string(buf))
}

func TestReaderNoSegmentCoversAddress(t *testing.T) {
	var r Reader
	_, err := r.ReadAt(make([]byte, 1), 0xdead)
	assert.Error(t, err)
}

func TestPhysReaderSkipsSegmentsWithoutPhysAddr(t *testing.T) {
	f := writeTempFile(t, []byte("physdata"))
	var r Reader
	r.Add(Segment{VirtAddr: 0x1000, PhysAddr: NoPhysAddr, Size: 0x100, FD: f, FileOffset: 0, FileSize: 8})
	r.Add(Segment{VirtAddr: 0x2000, PhysAddr: 0x500, Size: 0x100, FD: f, FileOffset: 0, FileSize: 8})

	pr := PhysReader{R: &r}
	buf := make([]byte, 4)
	n, err := pr.ReadAt(buf, 0x500)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "phys", string(buf))

	_, err = pr.ReadAt(buf, 0x1000)
	assert.Error(t, err)
}
