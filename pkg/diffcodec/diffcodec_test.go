// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package diffcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	testCases := []struct {
		name     string
		source   []Name
		target   []Name
		expected Name
	}{
		{"common algorithm", []Name{NameBlockCopy, NameNone}, []Name{NameNone, NameBlockCopy}, NameBlockCopy},
		{"no overlap falls back to none", []Name{NameBlockCopy}, []Name{}, NameNone},
		{"both empty", nil, nil, NameNone},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Negotiate(tc.source, tc.target))
		})
	}
}

func TestBlockCopyRoundTrip(t *testing.T) {
	registry := NewRegistry()
	algo, ok := registry.Get(NameBlockCopy)
	require.True(t, ok)

	base := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	target := make([]byte, len(base))
	copy(target, base)
	// Modify a small region in the middle so most blocks still match.
	copy(target[5000:5010], []byte("MODIFIED!!"))

	delta, err := algo.Diff(base, target)
	require.NoError(t, err)
	require.NotEmpty(t, delta.Ops)

	reconstructed, err := algo.Apply(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, reconstructed)
}

func TestBlockCopyEmptyInputs(t *testing.T) {
	algo := blockCopyAlgorithm{}

	delta, err := algo.Diff([]byte{}, []byte{})
	require.NoError(t, err)
	assert.Empty(t, delta.Ops)

	out, err := algo.Apply([]byte{}, delta)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBlockCopyFullInsertWhenNoBase(t *testing.T) {
	algo := blockCopyAlgorithm{}
	target := []byte("brand new content, no base to copy from")

	delta, err := algo.Diff([]byte{}, target)
	require.NoError(t, err)

	out, err := algo.Apply([]byte{}, delta)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestApplyRejectsOutOfRangeCopy(t *testing.T) {
	algo := blockCopyAlgorithm{}
	_, err := algo.Apply([]byte("short"), Delta{Ops: []Op{{Copy: true, Offset: 0, Length: 100}}})
	assert.Error(t, err)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("compress me please"), 500)
	compressed, err := Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}
