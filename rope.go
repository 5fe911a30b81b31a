// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// SpatialRotary applies 2D rotary position embeddings to query/key vectors.
// The head dimension is split into interleaved even/odd rotation pairs; the
// first half of the pairs encodes the height coordinate and the second half
// the width coordinate of each position on a gridH×gridW spatial grid.
//
// The cos/sin angle tables are precomputed on the host at construction and
// enter graphs as constants. When the inference grid differs from the grid
// the frequencies were tuned for, the closed-form angle formula is
// re-evaluated at proportionally scaled coordinates (frequency
// interpolation), not resampled from the original table.
//
// Apply is stateless: repeated calls with the same input build the same
// rotation.
type SpatialRotary struct {
	halfHeadDim  int
	gridH, gridW int
	cos, sin     [][]float32 // shape (gridH·gridW, halfHeadDim), one angle per rotation pair
}

// NewSpatialRotary creates a 2D rotary encoder.
//
// halfHeadDim is half the per-head dimension (the number of rotation pairs)
// and must be even so it splits across the two spatial axes. ptHW is the
// (height, width) patch grid the frequencies are defined on. ftHW, if
// non-nil and different from ptHW, is the target grid: angles are evaluated
// at coordinates arange(ft)·(pt/ft) so that the angular range seen during
// training is preserved at the new resolution.
func NewSpatialRotary(halfHeadDim int, ptHW [2]int, ftHW *[2]int) (*SpatialRotary, error) {
	if halfHeadDim <= 0 || halfHeadDim%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "rotary half head dim must be positive and even, got %d", halfHeadDim)
	}
	if ptHW[0] <= 0 || ptHW[1] <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "rotary base grid must be positive, got %dx%d", ptHW[0], ptHW[1])
	}
	target := ptHW
	if ftHW != nil {
		target = *ftHW
		if target[0] <= 0 || target[1] <= 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "rotary target grid must be positive, got %dx%d", target[0], target[1])
		}
	}

	hAngles := axisAngles(halfHeadDim, ptHW[0], target[0])
	wAngles := axisAngles(halfHeadDim, ptHW[1], target[1])

	gridH, gridW := target[0], target[1]
	n := gridH * gridW
	perAxis := halfHeadDim / 2
	cos := make([][]float32, n)
	sin := make([][]float32, n)
	for h := 0; h < gridH; h++ {
		for w := 0; w < gridW; w++ {
			cosRow := make([]float32, halfHeadDim)
			sinRow := make([]float32, halfHeadDim)
			for i := 0; i < perAxis; i++ {
				cosRow[i] = float32(math.Cos(hAngles[h][i]))
				sinRow[i] = float32(math.Sin(hAngles[h][i]))
				cosRow[perAxis+i] = float32(math.Cos(wAngles[w][i]))
				sinRow[perAxis+i] = float32(math.Sin(wAngles[w][i]))
			}
			cos[h*gridW+w] = cosRow
			sin[h*gridW+w] = sinRow
		}
	}
	return &SpatialRotary{
		halfHeadDim: halfHeadDim,
		gridH:       gridH,
		gridW:       gridW,
		cos:         cos,
		sin:         sin,
	}, nil
}

// axisAngles returns the per-coordinate rotation angles for one spatial axis:
// angles[p][i] = pos(p)·ω_i with ω_i = 1/sinCosBase^(2i/halfHeadDim) and
// pos(p) = p·(ptSize/ftSize).
func axisAngles(halfHeadDim, ptSize, ftSize int) [][]float64 {
	perAxis := halfHeadDim / 2
	freqs := make([]float64, perAxis)
	for i := range freqs {
		freqs[i] = 1.0 / math.Pow(sinCosBase, 2.0*float64(i)/float64(halfHeadDim))
	}
	scale := float64(ptSize) / float64(ftSize)
	angles := make([][]float64, ftSize)
	for p := range angles {
		pos := float64(p) * scale
		row := make([]float64, perAxis)
		for i, f := range freqs {
			row[i] = pos * f
		}
		angles[p] = row
	}
	return angles
}

// NumPositions returns the number of spatial positions covered by the tables.
func (r *SpatialRotary) NumPositions() int { return r.gridH * r.gridW }

// Apply rotates x, shaped [..., numPositions, headDim] with
// headDim = 2·halfHeadDim, by the per-position angle tables. The position
// axis must be the second-to-last axis and match NumPositions. Leading axes
// (batch, heads, time groupings) broadcast freely.
func (r *SpatialRotary) Apply(x *Node) *Node {
	g := x.Graph()
	rank := x.Rank()
	headDim := x.Shape().Dim(-1)
	if headDim != 2*r.halfHeadDim {
		Panicf("rotary tables built for head dim %d, got input with head dim %d", 2*r.halfHeadDim, headDim)
	}
	if x.Shape().Dim(-2) != r.NumPositions() {
		Panicf("rotary tables cover %d positions, got input with %d positions", r.NumPositions(), x.Shape().Dim(-2))
	}

	// Interleaved pairs: x1 at even indices, x2 at odd indices.
	x1 := Slice(x, AxisRange().Spacer(), AxisRange(0, headDim).Stride(2))
	x2 := Slice(x, AxisRange().Spacer(), AxisRange(1, headDim).Stride(2))

	cos := ConvertDType(Const(g, r.cos), x.DType())
	sin := ConvertDType(Const(g, r.sin), x.DType())
	cos = ExpandLeftToRank(cos, rank)
	sin = ExpandLeftToRank(sin, rank)
	cos = BroadcastToShape(cos, x1.Shape())
	sin = BroadcastToShape(sin, x1.Shape())

	rotatedX1 := Sub(Mul(x1, cos), Mul(x2, sin))
	rotatedX2 := Add(Mul(x1, sin), Mul(x2, cos))

	// Re-interleave: stack pairs on a new trailing axis, then fold it back
	// into the head dimension.
	stacked := Stack([]*Node{rotatedX1, rotatedX2}, -1)
	dims := stacked.Shape().Dimensions
	newDims := make([]int, len(dims)-1)
	copy(newDims, dims[:len(dims)-2])
	newDims[len(newDims)-1] = headDim
	return Reshape(stacked, newDims...)
}
