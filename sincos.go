// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"

	"github.com/pkg/errors"
)

// sinCosBase is the wavelength base shared by the fixed positional tables,
// the rotary frequency tables and the timestep frequency embedding.
const sinCosBase = 10000.0

// SinCos1D returns the fixed sinusoidal embedding table for the given
// positions: row p is concat(sin(p·ω_i), cos(p·ω_i)) for frequencies
// ω_i = 1/sinCosBase^(2i/dim), i in [0, dim/2).
//
// The result is deterministic and bit-identical across calls. It is computed
// on the host and enters computation graphs as a constant, so it is never part
// of any trainable parameter set.
func SinCos1D(dim int, positions []float64) ([][]float32, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "SinCos1D requires a positive even dim, got %d", dim)
	}
	half := dim / 2
	omega := make([]float64, half)
	for i := range omega {
		omega[i] = 1.0 / math.Pow(sinCosBase, float64(i)/float64(half))
	}
	table := make([][]float32, len(positions))
	for p, pos := range positions {
		row := make([]float32, dim)
		for i, w := range omega {
			angle := pos * w
			row[i] = float32(math.Sin(angle))
			row[half+i] = float32(math.Cos(angle))
		}
		table[p] = row
	}
	return table, nil
}

// SinCos2D returns the fixed sinusoidal embedding table for a gridH×gridW
// spatial grid: dim is split in half, each half is a SinCos1D embedding of one
// grid coordinate (width half first, then height), with the grid flattened
// row-major so the width coordinate varies fastest. Shape: (gridH·gridW, dim).
func SinCos2D(dim, gridH, gridW int) ([][]float32, error) {
	if dim <= 0 || dim%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "SinCos2D requires dim divisible by 4, got %d", dim)
	}
	if gridH <= 0 || gridW <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "SinCos2D requires a positive grid, got %dx%d", gridH, gridW)
	}
	n := gridH * gridW
	hPos := make([]float64, n)
	wPos := make([]float64, n)
	for h := 0; h < gridH; h++ {
		for w := 0; w < gridW; w++ {
			hPos[h*gridW+w] = float64(h)
			wPos[h*gridW+w] = float64(w)
		}
	}
	hTable, err := SinCos1D(dim/2, hPos)
	if err != nil {
		return nil, err
	}
	wTable, err := SinCos1D(dim/2, wPos)
	if err != nil {
		return nil, err
	}
	table := make([][]float32, n)
	for p := range table {
		row := make([]float32, dim)
		copy(row[:dim/2], wTable[p])
		copy(row[dim/2:], hTable[p])
		table[p] = row
	}
	return table, nil
}

// TemporalSinCos returns the fixed temporal table SinCos1D(dim, [0..numFrames)).
func TemporalSinCos(dim, numFrames int) ([][]float32, error) {
	if numFrames <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "TemporalSinCos requires numFrames > 0, got %d", numFrames)
	}
	positions := make([]float64, numFrames)
	for i := range positions {
		positions[i] = float64(i)
	}
	return SinCos1D(dim, positions)
}
