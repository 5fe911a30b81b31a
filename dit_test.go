// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testConfig() Config {
	return Config{
		InputSize:         8,
		PatchSize:         2,
		TemporalPatchSize: 2,
		InChannels:        3,
		HiddenDim:         16,
		Depth:             2,
		NumHeads:          4,
		NumFrames:         4,
		NumClasses:        10,
		ClassDropoutProb:  0.1,
		LearnSigma:        true,
		UseRotary:         true,
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(testConfig())
	require.NoError(t, err)

	bad := testConfig()
	bad.InputSize = 9
	_, err = New(bad)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	bad = testConfig()
	bad.NumHeads = 5
	_, err = New(bad)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	bad = testConfig()
	bad.NumFrames = 3
	_, err = New(bad)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	bad = testConfig()
	bad.AttentionBackend = "rebased"
	_, err = New(bad)
	require.True(t, errors.Is(err, ErrUnsupportedBackend))
}

func TestForwardOutputShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, learnSigma := range []bool{false, true} {
		cfg := testConfig()
		cfg.LearnSigma = learnSigma
		model, err := New(cfg)
		require.NoError(t, err)

		ctx := context.New()
		outT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 3, 8, 8))
			timesteps := Const(g, []float32{10, 500})
			labels := Const(g, []int32{1, 7})
			return model.Forward(ctx, x, timesteps, labels, nil)
		})
		wantChannels := 3
		if learnSigma {
			wantChannels = 6
		}
		require.NoError(t, outT.Shape().Check(dtypes.Float32, 2, 4, wantChannels, 8, 8))
	}
}

func TestForwardWithMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.New()
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 3, 8, 8))
		timesteps := Const(g, []float32{10, 500})
		labels := Const(g, []int32{1, 7})

		// An all-valid pixel mask is a no-op relative to no mask at all.
		pixelMask := Ones(g, shapes.Make(dtypes.Float32, 2, 4, 8, 8))
		masked := model.Forward(ctx, x, timesteps, labels, pixelMask)
		plain := model.Forward(ctx.Reuse(), x, timesteps, labels, nil)
		return []*Node{masked, plain}
	})
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](results[1]),
		tensors.MustCopyFlatData[float32](results[0]))
}

func TestForwardRequiresRank5(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.New()
	g := NewGraph(backend, "rank4-input")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 8, 8))
	timesteps := Const(g, []float32{10, 500})
	require.Panics(t, func() {
		model.Forward(ctx, x, timesteps, nil, nil)
	})
}

func TestBlockIdentityAtInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(23))
	x := randomTensor(rng, 2, 5, 16)
	c := randomTensor(rng, 2, 16)
	mathBackend, err := NewAttentionBackend("math")
	require.NoError(t, err)

	// adaLN-zero: with the conditioning projection zero-initialized, every
	// gate is zero and the block passes its input through unchanged.
	ctx := context.New()
	outT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, input, cond *Node) *Node {
		out := ConditionedBlock(ctx.In("block"), input, cond, 4, 4.0, mathBackend, nil, nil, 0, 0)
		return ReduceMax(Abs(Sub(out, input)))
	}, x, c)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](outT))
}

func TestFinalHeadZeroAtInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(29))
	x := randomTensor(rng, 2, 5, 16)
	c := randomTensor(rng, 2, 16)

	ctx := context.New()
	outT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, input, cond *Node) *Node {
		out := FinalHead(ctx.In("final"), input, cond, 24)
		return ReduceMax(Abs(out))
	}, x, c)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](outT))
}

func TestForwardWithCFG(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(testConfig())
	require.NoError(t, err)
	const cfgScale = 3.5

	ctx := context.New()
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		// Second half of the batch differs on purpose: the helper must
		// overwrite it with a copy of the first half.
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 3, 8, 8))
		timesteps := Const(g, []float32{100, 100})
		labels := Const(g, []int32{1, 10})

		guided := model.ForwardWithCFG(ctx, x, timesteps, labels, cfgScale, nil)

		firstHalf := Slice(x, AxisRange(0, 1))
		combined := Concatenate([]*Node{firstHalf, firstHalf}, 0)
		raw := model.Forward(ctx.Reuse(), combined, timesteps, labels, nil)
		return []*Node{guided, raw}
	})
	guided := results[0]
	require.NoError(t, guided.Shape().Check(dtypes.Float32, 2, 4, 6, 8, 8))
	guidedFlat := tensors.MustCopyFlatData[float32](guided)
	rawFlat := tensors.MustCopyFlatData[float32](results[1])

	const (
		frames      = 4
		outChannels = 6
		inChannels  = 3
		plane       = 8 * 8
		sample      = frames * outChannels * plane
	)
	at := func(flat []float32, b, f, ch, i int) float32 {
		return flat[b*sample+f*outChannels*plane+ch*plane+i]
	}
	for f := 0; f < frames; f++ {
		for i := 0; i < plane; i += 7 {
			for ch := 0; ch < inChannels; ch++ {
				cond := at(rawFlat, 0, f, ch, i)
				uncond := at(rawFlat, 1, f, ch, i)
				want := uncond + cfgScale*(cond-uncond)
				// Guided denoising channels are replicated to both halves.
				assert.InDelta(t, want, at(guidedFlat, 0, f, ch, i), 1e-4)
				assert.InDelta(t, want, at(guidedFlat, 1, f, ch, i), 1e-4)
			}
			for ch := inChannels; ch < outChannels; ch++ {
				// Learned-variance channels pass through unblended.
				assert.InDelta(t, at(rawFlat, 0, f, ch, i), at(guidedFlat, 0, f, ch, i), 1e-5)
				assert.InDelta(t, at(rawFlat, 1, f, ch, i), at(guidedFlat, 1, f, ch, i), 1e-5)
			}
		}
	}
}

func TestRecomputeActivationsTransparent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := func(recompute bool) []float32 {
		cfg := testConfig()
		cfg.RecomputeActivations = recompute

		ctx := context.New()
		require.NoError(t, ctx.SetRNGStateFromSeed(17))
		model, err := New(cfg)
		require.NoError(t, err)
		outT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 3, 8, 8))
			timesteps := Const(g, []float32{10, 500})
			labels := Const(g, []int32{1, 7})
			return model.Forward(ctx, x, timesteps, labels, nil)
		})
		return tensors.MustCopyFlatData[float32](outT)
	}

	// The flag is a memory/compute scheduling toggle and must never change
	// computed values.
	assert.Equal(t, run(false), run(true))
}

func TestForwardAllBackendsAgree(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := func(name string) []float32 {
		cfg := testConfig()
		cfg.AttentionBackend = name

		// Same variables for every backend: the context random seed is
		// fixed so initialization matches across runs.
		ctx := context.New()
		require.NoError(t, ctx.SetRNGStateFromSeed(42))
		model, err := New(cfg)
		require.NoError(t, err)
		outT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 3, 8, 8))
			timesteps := Const(g, []float32{10, 500})
			labels := Const(g, []int32{1, 7})
			return model.Forward(ctx, x, timesteps, labels, nil)
		})
		return tensors.MustCopyFlatData[float32](outT)
	}

	want := run("math")
	for _, name := range []string{"sdpa", "flash", "ring"} {
		got := run(name)
		require.Len(t, got, len(want))
		for i := range want {
			assert.InDeltaf(t, want[i], got[i], 1e-3, "%s vs math at %d", name, i)
		}
	}
}
