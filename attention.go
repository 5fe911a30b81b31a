// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// SelfAttention computes multi-head self-attention over x, shaped
// [batch, seq, hidden], returning a tensor of the same shape.
//
// Queries, keys and values come from one fused projection. When rotary is
// non-nil, queries and keys (not values) are rotated per spatial position:
// the sequence axis is reshaped to (timeGroups, spatialPositions) with the
// spatial axis varying fastest, so rotation encodes spatial position only —
// temporal position is carried by the separate temporal table added before
// the block stack.
//
// bias, if non-nil, is an additive attention bias broadcastable to
// [batch, heads, seq, seq]. The backend strategy is chosen once at model
// construction; see NewAttentionBackend.
func SelfAttention(ctx *context.Context, x *Node, numHeads int, backend AttentionBackend,
	rotary *SpatialRotary, bias *Node, attnDropout, projDropout float64) *Node {
	g := x.Graph()
	if x.Rank() != 3 {
		Panicf("SelfAttention requires [batch, seq, hidden] input, got %s", x.Shape())
	}
	batch := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)
	hiddenDim := x.Shape().Dim(2)
	if hiddenDim%numHeads != 0 {
		Panicf("hidden dim %d not divisible by %d heads", hiddenDim, numHeads)
	}
	headDim := hiddenDim / numHeads

	qkv := layers.Dense(ctx.In("qkv"), x, true, 3*hiddenDim)
	qkv = Reshape(qkv, batch, seqLen, 3, numHeads, headDim)
	parts := Split(qkv, 2, 3)
	query := toBHSD(parts[0])
	key := toBHSD(parts[1])
	value := toBHSD(parts[2])

	if rotary != nil {
		query = applySpatialRotary(rotary, query)
		key = applySpatialRotary(rotary, key)
	}

	scale := 1.0 / math.Sqrt(float64(headDim))
	out := backend.Compute(ctx, query, key, value, scale, bias, attnDropout)

	// [batch, heads, seq, headDim] -> [batch, seq, hidden].
	out = TransposeAllAxes(out, 0, 2, 1, 3)
	out = Reshape(out, batch, seqLen, hiddenDim)
	out = layers.Dense(ctx.In("proj"), out, true, hiddenDim)
	if projDropout > 0 && layers.IsDropoutActive(ctx, g) {
		out = layers.DropoutStatic(ctx, out, projDropout)
	}
	return out
}

// toBHSD turns one [batch, seq, 1, heads, headDim] split of the fused QKV
// projection into [batch, heads, seq, headDim].
func toBHSD(part *Node) *Node {
	part = Squeeze(part, 2)
	return TransposeAllAxes(part, 0, 2, 1, 3)
}

// applySpatialRotary rotates [batch, heads, seq, headDim] with the sequence
// axis regrouped as (timeGroups, spatialPositions).
func applySpatialRotary(rotary *SpatialRotary, x *Node) *Node {
	batch := x.Shape().Dim(0)
	heads := x.Shape().Dim(1)
	seqLen := x.Shape().Dim(2)
	headDim := x.Shape().Dim(3)
	spatial := rotary.NumPositions()
	if seqLen%spatial != 0 {
		Panicf("sequence length %d not divisible by the %d spatial positions of the rotary tables",
			seqLen, spatial)
	}
	timeGroups := seqLen / spatial
	x = Reshape(x, batch, heads, timeGroups, spatial, headDim)
	x = rotary.Apply(x)
	return Reshape(x, batch, heads, seqLen, headDim)
}
