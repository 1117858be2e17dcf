// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFSReadWrite(t *testing.T) {
	ctx := context.Background()
	fs := NewMemFS()
	fs.PutFile("a.txt", []byte("abc"), 0o644, time.Unix(0, 0))
	fs.PutFile("dir/b.bin", []byte("hello"), 0o644, time.Unix(0, 0))
	fs.PutLink("dir/c.lnk", "b.bin")

	size, err := fs.FileSize(ctx, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)

	data, err := fs.ReadFile(ctx, "a.txt", 0, 3)
	assert.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	data, err = fs.ReadFile(ctx, "a.txt", 1, 10)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte("bc"), data)

	target, err := fs.ReadLink(ctx, "dir/c.lnk")
	require.NoError(t, err)
	assert.Equal(t, "b.bin", target)

	root, err := fs.ReadDir(ctx, "")
	require.NoError(t, err)
	names := map[string]ItemKind{}
	for _, e := range root {
		names[e.Name] = e.Attrs.Kind
	}
	assert.Equal(t, ItemKindFile, names["a.txt"])
	assert.Equal(t, ItemKindDir, names["dir"])
}

func TestMemFSReadFileZeroLength(t *testing.T) {
	ctx := context.Background()
	fs := NewMemFS()
	fs.PutFile("a.txt", []byte("abc"), 0o644, time.Time{})

	data, err := fs.ReadFile(ctx, "a.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, data)
}

func TestMemFSWalkOrder(t *testing.T) {
	ctx := context.Background()
	fs := NewMemFS()
	fs.PutFile("b.txt", []byte("2"), 0o644, time.Time{})
	fs.PutFile("a.txt", []byte("1"), 0o644, time.Time{})
	fs.PutFile("sub/z.txt", []byte("3"), 0o644, time.Time{})

	var order []string
	err := fs.Walk(ctx, "", func(path string, attrs ItemAttributes) error {
		order = append(order, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "sub/z.txt"}, order)
}

func TestReadFull(t *testing.T) {
	ctx := context.Background()
	fs := NewMemFS()
	content := make([]byte, 3<<20+17)
	for i := range content {
		content[i] = byte(i)
	}
	fs.PutFile("big.bin", content, 0o644, time.Time{})

	got, err := ReadFull(ctx, fs, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
