// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package diffcodec

import (
	"crypto/sha256"
	"fmt"
)

// blockSize is the fixed window blockCopyAlgorithm hashes the base
// content in. Smaller values find more matches at the cost of a
// larger delta; this is tuned for typical backup-set file sizes, not
// byte-exact minimality.
const blockSize = 4096

// blockCopyAlgorithm is a simple, rsync-like delta: the base content
// is split into fixed-size blocks and hashed; the target is scanned
// block by block, emitting a Copy op for blocks whose hash matches a
// base block and coalescing runs of non-matching bytes into a single
// Insert op.
type blockCopyAlgorithm struct{}

func (blockCopyAlgorithm) Name() Name { return NameBlockCopy }

func (blockCopyAlgorithm) Diff(base, target []byte) (Delta, error) {
	baseBlocks := make(map[[sha256.Size]byte]int64)
	for off := int64(0); off < int64(len(base)); off += blockSize {
		end := off + blockSize
		if end > int64(len(base)) {
			end = int64(len(base))
		}
		baseBlocks[sha256.Sum256(base[off:end])] = off
	}

	var ops []Op
	var pendingInsert []byte

	flushInsert := func() {
		if len(pendingInsert) > 0 {
			ops = append(ops, Op{Copy: false, Data: pendingInsert})
			pendingInsert = nil
		}
	}

	for off := int64(0); off < int64(len(target)); off += blockSize {
		end := off + blockSize
		if end > int64(len(target)) {
			end = int64(len(target))
		}
		block := target[off:end]
		length := end - off

		if baseOff, ok := baseBlocks[sha256.Sum256(block)]; ok {
			baseEnd := baseOff + length
			if baseEnd <= int64(len(base)) && bytesEqual(base[baseOff:baseEnd], block) {
				flushInsert()
				ops = append(ops, Op{Copy: true, Offset: baseOff, Length: length})
				continue
			}
		}
		pendingInsert = append(pendingInsert, block...)
	}
	flushInsert()

	return Delta{Ops: ops}, nil
}

func (blockCopyAlgorithm) Apply(base []byte, d Delta) ([]byte, error) {
	var out []byte
	for _, op := range d.Ops {
		if op.Copy {
			end := op.Offset + op.Length
			if op.Offset < 0 || end > int64(len(base)) {
				return nil, fmt.Errorf("diffcodec: blockcopy: copy op out of range [%d:%d) over base len %d", op.Offset, end, len(base))
			}
			out = append(out, base[op.Offset:end]...)
		} else {
			out = append(out, op.Data...)
		}
	}
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Algorithm = blockCopyAlgorithm{}
