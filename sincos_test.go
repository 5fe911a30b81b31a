// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinCos1D(t *testing.T) {
	table, err := SinCos1D(8, []float64{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, table, 3)
	require.Len(t, table[0], 8)

	// Position 0: all angles are 0, so the sin half is 0 and the cos half is 1.
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 1, 1, 1}, table[0])

	// Position 1, frequency 0: angle is exactly 1.
	assert.InDelta(t, math.Sin(1), float64(table[1][0]), 1e-6)
	assert.InDelta(t, math.Cos(1), float64(table[1][4]), 1e-6)

	// Frequencies decay as 1/10000^(i/half).
	wantAngle := 2.0 / math.Pow(10000, 1.0/4.0)
	assert.InDelta(t, math.Sin(wantAngle), float64(table[2][1]), 1e-6)
}

func TestSinCos1DInvalidDim(t *testing.T) {
	for _, dim := range []int{-2, 0, 7} {
		_, err := SinCos1D(dim, []float64{0})
		require.Truef(t, errors.Is(err, ErrInvalidConfig), "dim=%d: got %v", dim, err)
	}
}

func TestSinCos2D(t *testing.T) {
	const dim = 16
	table, err := SinCos2D(dim, 3, 3)
	require.NoError(t, err)
	require.Len(t, table, 9)
	require.Len(t, table[0], dim)

	// Deterministic across calls, bit-identical.
	again, err := SinCos2D(dim, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, table, again)

	// A 1x1 grid reduces to the position-0 row of each axis half.
	single, err := SinCos2D(dim, 1, 1)
	require.NoError(t, err)
	row0, err := SinCos1D(dim/2, []float64{0})
	require.NoError(t, err)
	assert.Equal(t, row0[0], single[0][:dim/2])
	assert.Equal(t, row0[0], single[0][dim/2:])

	// The width coordinate varies fastest and fills the first half: the
	// second row is position (0,1), so only its height half (the second
	// half) matches the first row.
	assert.Equal(t, table[0][dim/2:], table[1][dim/2:])
	assert.NotEqual(t, table[0][:dim/2], table[1][:dim/2])

	// Rows gridW apart differ only in the height half.
	assert.Equal(t, table[0][:dim/2], table[3][:dim/2])
	assert.NotEqual(t, table[0][dim/2:], table[3][dim/2:])

	_, err = SinCos2D(10, 2, 2)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestTemporalSinCos(t *testing.T) {
	table, err := TemporalSinCos(8, 4)
	require.NoError(t, err)
	require.Len(t, table, 4)
	direct, err := SinCos1D(8, []float64{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, direct, table)

	_, err = TemporalSinCos(8, 0)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}
