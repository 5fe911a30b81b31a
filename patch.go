// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Patchify converts a latent tensor [batch, time, channels, height, width]
// into per-frame-group patch vectors shaped
// [batch·time/patchT, numPatches, patch·patch·patchT·channels], with
// numPatches = (height/patch)·(width/patch).
//
// patchT consecutive frames are fused into the channel axis of one frame
// group. Within a patch vector the layout is (patchRow, patchCol, channels)
// with channels varying fastest; patches are ordered row-major with the
// width coordinate varying fastest, matching the spatial positional table.
func Patchify(x *Node, patchT, patch int) *Node {
	if x.Rank() != 5 {
		Panicf("Patchify requires a rank-5 [batch, time, channels, height, width] input, got %s", x.Shape())
	}
	batch := x.Shape().Dim(0)
	time := x.Shape().Dim(1)
	channels := x.Shape().Dim(2)
	height := x.Shape().Dim(3)
	width := x.Shape().Dim(4)
	if time%patchT != 0 || height%patch != 0 || width%patch != 0 {
		Panicf("input %s not divisible by patch sizes (t=%d, spatial=%d)", x.Shape(), patchT, patch)
	}
	timeGroups := time / patchT
	gridH, gridW := height/patch, width/patch

	// Fuse patchT frames into channels: [B·T', patchT·C, H, W].
	x = Reshape(x, batch*timeGroups, patchT*channels, height, width)
	// Cut the spatial grid: [B·T', ptC, h', p, w', p] then reorder so the
	// patch contents become the trailing axes, channels last.
	x = Reshape(x, batch*timeGroups, patchT*channels, gridH, patch, gridW, patch)
	x = TransposeAllAxes(x, 0, 2, 4, 3, 5, 1)
	return Reshape(x, batch*timeGroups, gridH*gridW, patch*patch*patchT*channels)
}

// Unpatchify inverts Patchify: patch vectors shaped
// [batch·timeGroups, numPatches, patch·patch·patchT·outChannels] are
// reassembled into [batch, timeGroups·patchT, outChannels, height, width].
// gridH·gridW must equal numPatches.
func Unpatchify(x *Node, batch, patchT, patch, outChannels, gridH, gridW int) *Node {
	if x.Rank() != 3 {
		Panicf("Unpatchify requires a rank-3 patch sequence, got %s", x.Shape())
	}
	if x.Shape().Dim(1) != gridH*gridW {
		Panicf("Unpatchify got %d patches for a %dx%d grid", x.Shape().Dim(1), gridH, gridW)
	}
	if x.Shape().Dim(2) != patch*patch*patchT*outChannels {
		Panicf("Unpatchify got patch vectors of size %d, want %d·%d·%d·%d",
			x.Shape().Dim(2), patch, patch, patchT, outChannels)
	}
	timeGroups := x.Shape().Dim(0) / batch
	height, width := gridH*patch, gridW*patch

	x = Reshape(x, batch*timeGroups, gridH, gridW, patch, patch, patchT*outChannels)
	x = TransposeAllAxes(x, 0, 5, 1, 3, 2, 4)
	x = Reshape(x, batch*timeGroups, patchT*outChannels, height, width)
	return Reshape(x, batch, timeGroups*patchT, outChannels, height, width)
}

// PatchEmbedding runs Patchify and projects each patch vector into the model
// hidden dimension. The projection is a plain linear layer, so the
// linear-layer (Xavier) initialization applies by construction.
func PatchEmbedding(ctx *context.Context, x *Node, patchT, patch, hiddenDim int) *Node {
	patches := Patchify(x, patchT, patch)
	return layers.Dense(ctx.In("proj"), patches, true, hiddenDim)
}
