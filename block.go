// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// modulate applies the adaptive shift/scale x·(1+scale)+shift, where shift
// and scale are per-sample [batch, hidden] vectors broadcast over the
// sequence axis of x, shaped [batch, seq, hidden].
func modulate(x, shift, scale *Node) *Node {
	scale = InsertAxes(scale, 1)
	shift = InsertAxes(shift, 1)
	return Add(Mul(x, OnePlus(scale)), shift)
}

// ConditionedBlock is one adaLN-zero transformer block: the conditioning
// vector c, shaped [batch, hidden], drives shift/scale/gate of both the
// attention and the MLP sublayer through a single zero-initialized
// projection. Zero gates make the block an exact identity at initialization.
//
// x is the [batch, seq, hidden] sequence; bias an optional additive
// attention bias. Returns a tensor shaped like x.
func ConditionedBlock(ctx *context.Context, x, c *Node, numHeads int, mlpRatio float64,
	backend AttentionBackend, rotary *SpatialRotary, bias *Node, attnDropout, projDropout float64) *Node {
	hiddenDim := x.Shape().Dim(-1)

	adaCtx := ctx.In("ada_ln").WithInitializer(initializers.Zero)
	mod := layers.Dense(adaCtx, activations.Swish(c), true, 6*hiddenDim)
	chunks := Split(mod, 1, 6)
	shiftAttn, scaleAttn, gateAttn := chunks[0], chunks[1], chunks[2]
	shiftMLP, scaleMLP, gateMLP := chunks[3], chunks[4], chunks[5]

	// Attention sublayer. Normalization carries no learned affine: shift and
	// scale come from the conditioning projection instead.
	h := layers.LayerNormalization(ctx.In("norm1"), x, -1).
		LearnedGain(false).LearnedOffset(false).Epsilon(1e-6).Done()
	h = modulate(h, shiftAttn, scaleAttn)
	h = SelfAttention(ctx.In("attn"), h, numHeads, backend, rotary, bias, attnDropout, projDropout)
	x = Add(x, Mul(InsertAxes(gateAttn, 1), h))

	// MLP sublayer.
	h = layers.LayerNormalization(ctx.In("norm2"), x, -1).
		LearnedGain(false).LearnedOffset(false).Epsilon(1e-6).Done()
	h = modulate(h, shiftMLP, scaleMLP)
	mlpDim := int(float64(hiddenDim) * mlpRatio)
	h = layers.Dense(ctx.In("mlp_fc1"), h, true, mlpDim)
	h = activations.GeluApproximate(h)
	h = layers.Dense(ctx.In("mlp_fc2"), h, true, hiddenDim)
	return Add(x, Mul(InsertAxes(gateMLP, 1), h))
}

// FinalHead normalizes, modulates with a two-chunk (shift, scale)
// conditioning projection, and linearly projects each sequence position to
// per-patch pixel space (outDim = patchT·patch·patch·outChannels). Both the
// conditioning projection and the output projection are zero-initialized.
func FinalHead(ctx *context.Context, x, c *Node, outDim int) *Node {
	hiddenDim := x.Shape().Dim(-1)

	adaCtx := ctx.In("ada_ln").WithInitializer(initializers.Zero)
	mod := layers.Dense(adaCtx, activations.Swish(c), true, 2*hiddenDim)
	chunks := Split(mod, 1, 2)

	h := layers.LayerNormalization(ctx.In("norm"), x, -1).
		LearnedGain(false).LearnedOffset(false).Epsilon(1e-6).Done()
	h = modulate(h, chunks[0], chunks[1])
	projCtx := ctx.In("proj").WithInitializer(initializers.Zero)
	return layers.Dense(projCtx, h, true, outDim)
}
