// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package taskmode defines the closed tagged union that replaces the
// original pseudo-code's dynamic mode strings ("chunklist", "folder",
// ...), per spec.md §9 REDESIGN FLAGS.
package taskmode

// Mode is the negotiated representation of content in transit between
// a Source and a Target.
type Mode int

const (
	// Chunklist: content flows as an ordered stream of Chunks.
	Chunklist Mode = iota
	// Folder: both sides expose directory trees directly.
	Folder
	// Chunk2Folder: source emits chunks, target materializes a folder.
	Chunk2Folder
	// Folder2Chunk: source exposes a folder, target consumes chunks.
	Folder2Chunk
)

func (m Mode) String() string {
	switch m {
	case Chunklist:
		return "chunklist"
	case Folder:
		return "folder"
	case Chunk2Folder:
		return "chunk2folder"
	case Folder2Chunk:
		return "folder2chunk"
	default:
		return "unknown"
	}
}

// preferenceOrder is the fixed tie-break order spec.md §4.1 requires
// when more than one mode is common to a Source and Target.
var preferenceOrder = []Mode{Chunklist, Folder2Chunk, Chunk2Folder, Folder}

// Negotiate returns the most-preferred Mode present in both
// sourceModes and targetModes, and false if there is none.
func Negotiate(sourceModes, targetModes []Mode) (Mode, bool) {
	sourceSet := make(map[Mode]bool, len(sourceModes))
	for _, m := range sourceModes {
		sourceSet[m] = true
	}
	targetSet := make(map[Mode]bool, len(targetModes))
	for _, m := range targetModes {
		targetSet[m] = true
	}
	for _, m := range preferenceOrder {
		if sourceSet[m] && targetSet[m] {
			return m, true
		}
	}
	return 0, false
}
