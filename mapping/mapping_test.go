// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMergesAdjacentEntries(t *testing.T) {
	var tbl Table

	outcome, err := tbl.Append(0x400000, 0x401000, 0, "/bin/ls")
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)

	outcome, err = tbl.Append(0x401000, 0x402000, 0x1000, "/bin/ls")
	require.NoError(t, err)
	assert.Equal(t, Merged, outcome)

	all := tbl.All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(0x400000), all[0].Start)
	assert.Equal(t, uint64(0x402000), all[0].End)
	assert.Equal(t, uint64(0), all[0].FileOffset)
}

func TestAppendDoesNotMergeAcrossPaths(t *testing.T) {
	var tbl Table

	_, err := tbl.Append(0x1000, 0x2000, 0, "/bin/a")
	require.NoError(t, err)
	_, err = tbl.Append(0x2000, 0x3000, 0x1000, "/bin/b")
	require.NoError(t, err)

	assert.Len(t, tbl.All(), 2)
}

func TestAppendDoesNotMergeOnOffsetGap(t *testing.T) {
	var tbl Table

	_, err := tbl.Append(0x1000, 0x2000, 0, "/bin/a")
	require.NoError(t, err)
	_, err = tbl.Append(0x2000, 0x3000, 0x5000, "/bin/a")
	require.NoError(t, err)

	assert.Len(t, tbl.All(), 2)
}

func TestAppendRejectsInverted(t *testing.T) {
	var tbl Table
	_, err := tbl.Append(0x2000, 0x1000, 0, "/bin/a")
	assert.Error(t, err)
}

func TestAppendDropsZeroLength(t *testing.T) {
	var tbl Table
	outcome, err := tbl.Append(0x1000, 0x1000, 0, "/bin/a")
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)
	assert.Len(t, tbl.All(), 0)
}

func TestMappingMergeInvariantHolds(t *testing.T) {
	var tbl Table
	_, _ = tbl.Append(0x400000, 0x401000, 0, "/bin/ls")
	_, _ = tbl.Append(0x401000, 0x402000, 0x1000, "/bin/ls")
	_, _ = tbl.Append(0x500000, 0x501000, 0, "/lib/libc.so")

	all := tbl.All()
	for i := 1; i < len(all); i++ {
		a, b := all[i-1], all[i]
		mergeable := a.Path == b.Path && a.End == b.Start &&
			a.FileOffset+a.Length() == b.FileOffset
		assert.False(t, mergeable, "adjacent mappings %d,%d should have been merged", i-1, i)
	}
}

func TestFindByOffsetMatchesELFAndRange(t *testing.T) {
	var tbl Table
	elfA := new(int)
	elfB := new(int)

	_, _ = tbl.Append(0x7f0000, 0x7f2000, 0, "/lib/libc.so")
	tbl.All()[0].ELF = elfA
	_, _ = tbl.Append(0x800000, 0x801000, 0, "/lib/libm.so")
	tbl.All()[1].ELF = elfB

	m := tbl.FindByOffset(elfA, 0x500)
	require.NotNil(t, m)
	assert.Equal(t, uint64(0x7f0000), m.Start)

	assert.Nil(t, tbl.FindByOffset(elfB, 0x1500))
}
