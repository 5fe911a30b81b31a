// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"sort"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// AttentionBackend is the strategy computing scaled dot-product attention.
// Inputs are laid out [batch, heads, seq, headDim]; bias, if non-nil, is an
// additive float tensor broadcastable to [batch, heads, seq, seq] (0 for
// valid pairs, a large negative value for masked pairs). dropoutRate applies
// to the attention coefficients, active only in training mode.
//
// All softmax-family backends are semantically equivalent modulo numerical
// precision; the linear backend replaces the softmax kernel and is an
// approximation.
type AttentionBackend interface {
	// Name returns the registry name of the backend.
	Name() string

	// Compute returns the attention output, shaped like query.
	Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node
}

// attentionBackends is the static registry of compiled-in backends.
// All current backends are pure graph compositions, so availability does not
// depend on the execution environment.
var attentionBackends = map[string]func() AttentionBackend{
	"math":   func() AttentionBackend { return mathAttention{} },
	"sdpa":   func() AttentionBackend { return sdpaAttention{} },
	"flash":  func() AttentionBackend { return flashAttention{blockSize: 128} },
	"linear": func() AttentionBackend { return linearAttention{} },
	"ring":   func() AttentionBackend { return ringAttention{numChunks: 4} },
}

// AttentionBackendNames lists the registered backend names, sorted.
func AttentionBackendNames() []string {
	names := make([]string, 0, len(attentionBackends))
	for name := range attentionBackends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewAttentionBackend returns the backend registered under name, or
// ErrUnsupportedBackend if no such backend is compiled in.
func NewAttentionBackend(name string) (AttentionBackend, error) {
	factory, ok := attentionBackends[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "%q (available: %v)", name, AttentionBackendNames())
	}
	return factory(), nil
}

// mathAttention is the reference backend: explicit scores, additive bias,
// softmax, NaN zero-fill, dropout, weighted sum.
type mathAttention struct{}

func (mathAttention) Name() string { return "math" }

func (mathAttention) Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node {
	g := query.Graph()
	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, scale)
	if bias != nil {
		scores = Add(scores, bias)
	}
	weights := Softmax(scores, -1)
	// Rows where every pair is masked out softmax to NaN; degrade to zero
	// contribution instead of poisoning the output.
	weights = Where(IsNaN(weights), ZerosLike(weights), weights)
	if dropoutRate > 0 && layers.IsDropoutActive(ctx, g) {
		weights = layers.DropoutStatic(ctx, weights, dropoutRate)
	}
	return Einsum("bhqk,bhkd->bhqd", weights, value)
}

// sdpaAttention delegates to the engine's fused scaled-dot-product-attention
// path, which falls back to a decomposed computation when no fused kernel is
// available on the backend in use.
type sdpaAttention struct{}

func (sdpaAttention) Name() string { return "sdpa" }

func (sdpaAttention) Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node {
	var dropout *Node
	if dropoutRate > 0 {
		dropout = Scalar(query.Graph(), query.DType(), dropoutRate)
	}
	output, _ := attention.Core(ctx, query, key, value, scale, bias, dropout,
		attention.LayoutBHSD, false, false)
	return output
}

// flashAttention evaluates attention blockwise with the online-softmax
// recurrence: key blocks are streamed, keeping a running row maximum and
// normalizer that are rescaled as new blocks arrive. Never materializes the
// full [seq, seq] score matrix.
type flashAttention struct {
	blockSize int
}

func (flashAttention) Name() string { return "flash" }

func (b flashAttention) Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node {
	out, _, _ := streamedAttention(query, key, value, scale, bias, b.blockSize)
	if dropoutRate > 0 && layers.IsDropoutActive(ctx, query.Graph()) {
		// Coefficients are never materialized; apply dropout on the output
		// contributions instead.
		out = layers.DropoutStatic(ctx, out, dropoutRate)
	}
	return out
}

// ringAttention evaluates the ring-attention schedule on a single device:
// keys/values are processed in a fixed number of chunks (the ring "steps"),
// combining partial results with streaming log-sum-exp accumulation. The
// cross-device rotation of chunks is the execution engine's concern.
type ringAttention struct {
	numChunks int
}

func (ringAttention) Name() string { return "ring" }

func (b ringAttention) Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node {
	seqLen := key.Shape().Dim(2)
	chunk := (seqLen + b.numChunks - 1) / b.numChunks
	if chunk < 1 {
		chunk = 1
	}
	out, _, _ := streamedAttention(query, key, value, scale, bias, chunk)
	if dropoutRate > 0 && layers.IsDropoutActive(ctx, query.Graph()) {
		out = layers.DropoutStatic(ctx, out, dropoutRate)
	}
	return out
}

// streamedAttention runs the shared online-softmax recurrence over key/value
// blocks of the given size. Returns the normalized output plus the final
// running max and normalizer (useful for combining partial results).
//
// For each key block j:
//
//	m' = max(m, rowmax(S_j));  c = exp(m - m')
//	acc = acc·c + exp(S_j - m')·V_j
//	z = z·c + rowsum(exp(S_j - m'))
//
// Fully-masked rows end with z = 0; they are zero-filled like the math
// backend zero-fills NaN softmax rows.
func streamedAttention(query, key, value *Node, scale float64, bias *Node, blockSize int) (output, runningMax, normalizer *Node) {
	g := query.Graph()
	dtype := query.DType()
	batch := query.Shape().Dim(0)
	heads := query.Shape().Dim(1)
	querySeq := query.Shape().Dim(2)
	keySeq := key.Shape().Dim(2)
	headDim := query.Shape().Dim(3)

	if bias != nil {
		bias = BroadcastToDims(bias, batch, heads, querySeq, keySeq)
	}

	acc := Zeros(g, shapes.Make(dtype, batch, heads, querySeq, headDim))
	normalizer = Zeros(g, shapes.Make(dtype, batch, heads, querySeq, 1))
	runningMax = BroadcastToDims(Infinity(g, dtype, -1), batch, heads, querySeq, 1)

	for start := 0; start < keySeq; start += blockSize {
		end := start + blockSize
		if end > keySeq {
			end = keySeq
		}
		keyBlock := Slice(key, AxisRange(), AxisRange(), AxisRange(start, end), AxisRange())
		valueBlock := Slice(value, AxisRange(), AxisRange(), AxisRange(start, end), AxisRange())

		scores := Einsum("bhqd,bhkd->bhqk", query, keyBlock)
		scores = MulScalar(scores, scale)
		if bias != nil {
			biasBlock := Slice(bias, AxisRange(), AxisRange(), AxisRange(), AxisRange(start, end))
			scores = Add(scores, biasBlock)
		}

		blockMax := ReduceAndKeep(scores, ReduceMax, -1)
		newMax := Max(runningMax, blockMax)
		// A block whose row is entirely -Inf leaves both maxima at -Inf, and
		// the max subtraction becomes -Inf - -Inf = NaN. Such entries carry no
		// probability mass: zero them instead of poisoning the accumulators,
		// so later blocks with valid keys still contribute.
		correction := Exp(Sub(runningMax, newMax))
		correction = Where(IsNaN(correction), ZerosLike(correction), correction)
		p := Exp(Sub(scores, newMax))
		p = Where(IsNaN(p), ZerosLike(p), p)

		acc = Add(Mul(acc, correction), Einsum("bhqk,bhkd->bhqd", p, valueBlock))
		normalizer = Add(Mul(normalizer, correction), ReduceAndKeep(p, ReduceSum, -1))
		runningMax = newMax
	}

	output = Div(acc, normalizer)
	output = Where(IsNaN(output), ZerosLike(output), output)
	return output, runningMax, normalizer
}

// linearAttention is a kernelized linear-time approximation: the softmax
// kernel is replaced by the positive feature map φ(x) = elu(x)+1, so
// attention factors as φ(Q)·(φ(K)ᵀV) normalized by φ(Q)·Σφ(K). An additive
// bias cannot be folded into the factored form and is ignored; it is not
// numerically equivalent to the softmax-family backends.
type linearAttention struct{}

func (linearAttention) Name() string { return "linear" }

func (linearAttention) Compute(ctx *context.Context, query, key, value *Node, scale float64, bias *Node, dropoutRate float64) *Node {
	_ = bias
	_ = dropoutRate
	q := eluPlusOne(MulScalar(query, scale))
	k := eluPlusOne(key)

	// kv: [batch, heads, headDim, headDim']; kSum: [batch, heads, headDim].
	kv := Einsum("bhkd,bhke->bhde", k, value)
	kSum := ReduceSum(k, 2)

	numerator := Einsum("bhqd,bhde->bhqe", q, kv)
	denominator := Einsum("bhqd,bhd->bhq", q, kSum)
	denominator = ExpandDims(denominator, -1)
	out := Div(numerator, denominator)
	return Where(IsNaN(out), ZerosLike(out), out)
}

func eluPlusOne(x *Node) *Node {
	return Where(GreaterThan(x, ZerosLike(x)), OnePlus(x), Exp(x))
}
