// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// maskBias is the additive penalty for masked attention pairs. Large enough
// to vanish under softmax, small enough not to overflow float32 scores.
const maskBias = -1e9

// AttentionBiasFromMask converts a validity mask into the additive attention
// bias [batch, 1, seq, seq] consumed by the attention backends: pairs of
// valid positions map to 0, pairs involving an invalid position to a large
// negative constant. The bias is symmetric per sample since it is the outer
// product of a single per-position vector.
//
// The mask is rank-4 [batch, time, height, width] with nonzero (or true)
// entries marking valid pixels. It may be given at pixel granularity or
// already at patch granularity [batch, time/patchT, height/patch,
// width/patch]; a pixel-level mask is reduced so a patch is valid iff any
// covered pixel is valid. Sequence order is (timeGroup, patchRow, patchCol)
// with the width coordinate varying fastest, matching the block-stack
// sequence.
func AttentionBiasFromMask(mask *Node, timeGroups, gridH, gridW, patchT, patch int) *Node {
	if mask.Rank() != 4 {
		Panicf("attention mask must be rank-4 [batch, time, height, width], got %s", mask.Shape())
	}
	batch := mask.Shape().Dim(0)
	valid := ConvertDType(mask, dtypes.Float32)
	switch {
	case mask.Shape().Dim(1) == timeGroups && mask.Shape().Dim(2) == gridH && mask.Shape().Dim(3) == gridW:
		// Already at patch granularity.
	case mask.Shape().Dim(1) == timeGroups*patchT && mask.Shape().Dim(2) == gridH*patch && mask.Shape().Dim(3) == gridW*patch:
		valid = Reshape(valid, batch, timeGroups, patchT, gridH, patch, gridW, patch)
		valid = ReduceMax(valid, 2, 4, 6)
	default:
		Panicf("attention mask %s matches neither the pixel grid [%d,%d,%d,%d] nor the patch grid [%d,%d,%d,%d]",
			mask.Shape(), batch, timeGroups*patchT, gridH*patch, gridW*patch, batch, timeGroups, gridH, gridW)
	}

	seqLen := timeGroups * gridH * gridW
	valid = Reshape(valid, batch, seqLen)
	// Outer product: 1 where both positions are valid.
	pairs := Mul(ExpandDims(valid, -1), ExpandDims(valid, 1))
	bias := MulScalar(OneMinus(pairs), maskBias)
	return InsertAxes(bias, 1)
}
