// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// TimestepFrequencyEmbedding maps a batch of scalar diffusion timesteps t,
// shaped [batch], to sinusoidal frequency vectors shaped [batch, dim]:
// freqs_i = exp(-ln(maxPeriod)·i/half) for i in [0, half), half = dim/2, and
// the output is concat(cos(t·freqs), sin(t·freqs)), zero-padded by one
// column when dim is odd.
//
// Timesteps may be fractional and are not clamped to any range.
func TimestepFrequencyEmbedding(t *Node, dim int, maxPeriod float64) *Node {
	g := t.Graph()
	dtype := t.DType()
	if !dtype.IsFloat() {
		dtype = dtypes.Float32
		t = ConvertDType(t, dtype)
	}
	half := dim / 2
	freqs := Iota(g, shapes.Make(dtype, half), 0)
	freqs = Exp(MulScalar(freqs, -math.Log(maxPeriod)/float64(half)))

	// Outer product: [batch, 1] x [1, half] -> [batch, half].
	args := Mul(ExpandDims(t, -1), ExpandDims(freqs, 0))
	embedding := Concatenate([]*Node{Cos(args), Sin(args)}, -1)
	if dim%2 == 1 {
		batch := t.Shape().Dim(0)
		zeros := Zeros(g, shapes.Make(dtype, batch, 1))
		embedding = Concatenate([]*Node{embedding, zeros}, -1)
	}
	return embedding
}

// TimestepEncoding embeds timesteps t, shaped [batch], into the model hidden
// dimension: frequency embedding followed by a two-layer MLP with a SiLU
// nonlinearity. Both projection layers are initialized Normal(std=0.02).
func TimestepEncoding(ctx *context.Context, t *Node, hiddenDim, frequencyDim int) *Node {
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	embedding := TimestepFrequencyEmbedding(t, frequencyDim, sinCosBase)
	embedding = layers.Dense(ctx.In("fc1"), embedding, true, hiddenDim)
	embedding = activations.Swish(embedding)
	return layers.Dense(ctx.In("fc2"), embedding, true, hiddenDim)
}

// LabelEncoding embeds integer class labels, shaped [batch], into the model
// hidden dimension, with label dropout for classifier-free guidance.
//
// When dropoutProb > 0 the embedding table has numClasses+1 rows and row
// numClasses is the reserved unconditional token. forceDropIDs, if non-nil,
// is an integer tensor shaped [batch] whose 1-entries force the
// corresponding labels to the unconditional token regardless of training
// mode. Otherwise, when training and dropoutProb > 0, each label is
// independently replaced by the unconditional token with probability
// dropoutProb.
func LabelEncoding(ctx *context.Context, labels *Node, numClasses, hiddenDim int,
	dropoutProb float64, forceDropIDs *Node) *Node {
	g := labels.Graph()
	vocabSize := numClasses
	if dropoutProb > 0 {
		vocabSize++
	}
	if forceDropIDs != nil {
		uncond := ConstAs(labels, numClasses)
		labels = Where(Equal(forceDropIDs, ConstAs(forceDropIDs, 1)), uncond, labels)
	} else if dropoutProb > 0 && ctx.IsTraining(g) {
		batch := labels.Shape().Dim(0)
		draws := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batch))
		drop := LessThan(draws, ConstAs(draws, dropoutProb))
		labels = Where(drop, ConstAs(labels, numClasses), labels)
	}
	embedCtx := ctx.In("table").WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	return layers.Embedding(embedCtx, labels, dtypes.Float32, vocabSize, hiddenDim)
}
