// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package taskmode

import "testing"

func TestNegotiate(t *testing.T) {
	testCases := []struct {
		name       string
		source     []Mode
		target     []Mode
		wantMode   Mode
		wantExists bool
	}{
		{"prefers chunklist when common", []Mode{Chunklist, Folder}, []Mode{Folder, Chunklist}, Chunklist, true},
		{"falls back down preference order", []Mode{Folder, Chunk2Folder}, []Mode{Chunk2Folder}, Chunk2Folder, true},
		{"no common mode", []Mode{Chunklist}, []Mode{Folder}, 0, false},
		{"folder2chunk beats chunk2folder", []Mode{Folder2Chunk, Chunk2Folder}, []Mode{Chunk2Folder, Folder2Chunk}, Folder2Chunk, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Negotiate(tc.source, tc.target)
			if ok != tc.wantExists {
				t.Fatalf("ok = %v, want %v", ok, tc.wantExists)
			}
			if ok && got != tc.wantMode {
				t.Fatalf("mode = %v, want %v", got, tc.wantMode)
			}
		})
	}
}
