// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Config holds the construction hyperparameters of a DiT backbone.
// The zero value is not usable; see DefaultConfig and the Presets table.
type Config struct {
	// InputSize is the spatial height and width of the latent input (square).
	InputSize int
	// PatchSize is the spatial patch edge; InputSize must be divisible by it.
	PatchSize int
	// TemporalPatchSize groups this many consecutive frames into one
	// sequence step; NumFrames must be divisible by it.
	TemporalPatchSize int
	// InChannels is the latent channel count.
	InChannels int
	// HiddenDim is the transformer width. Must be divisible by NumHeads and
	// by 4 (the 2D positional table splits it across axes and sin/cos).
	HiddenDim int
	// Depth is the number of conditioned transformer blocks.
	Depth int
	// NumHeads is the attention head count.
	NumHeads int
	// MLPRatio is the MLP expansion ratio; 0 means 4.
	MLPRatio float64
	// NumFrames is the number of input frames.
	NumFrames int
	// NumClasses enables class conditioning when > 0.
	NumClasses int
	// ClassDropoutProb is the training-time label dropout probability for
	// classifier-free guidance. When > 0 the label table gets an extra
	// unconditional row.
	ClassDropoutProb float64
	// LearnSigma doubles the output channels to predict a variance group.
	LearnSigma bool
	// AttentionBackend names the attention strategy; empty means "math".
	// See AttentionBackendNames.
	AttentionBackend string
	// AttentionDropout and ProjectionDropout apply during training only.
	AttentionDropout  float64
	ProjectionDropout float64
	// UseRotary enables 2D spatial rotary encoding of queries and keys.
	UseRotary bool
	// BaseSize, when nonzero and different from InputSize, is the spatial
	// size the rotary frequencies were tuned on: angles are re-evaluated at
	// coordinates scaled by BaseSize/InputSize (frequency interpolation).
	BaseSize int
	// FrequencyEmbedDim is the sinusoidal timestep embedding width; 0 means 256.
	FrequencyEmbedDim int
	// RecomputeActivations requests recompute-on-backward instead of storing
	// block activations during training. The execution engine owns
	// rematerialization and currently exposes no per-block control, so the
	// flag is accepted but has no effect; it must never change computed
	// values either way.
	RecomputeActivations bool
}

func (c Config) mlpRatio() float64 {
	if c.MLPRatio == 0 {
		return 4
	}
	return c.MLPRatio
}

func (c Config) frequencyEmbedDim() int {
	if c.FrequencyEmbedDim == 0 {
		return 256
	}
	return c.FrequencyEmbedDim
}

func (c Config) backendName() string {
	if c.AttentionBackend == "" {
		return "math"
	}
	return c.AttentionBackend
}

// OutChannels is InChannels, doubled when LearnSigma is set.
func (c Config) OutChannels() int {
	if c.LearnSigma {
		return 2 * c.InChannels
	}
	return c.InChannels
}

// DiT is the diffusion transformer backbone. It is stateless per invocation:
// Forward builds a pure computation graph, learned variables live in the
// *context.Context passed to it, and the fixed positional tables are baked
// in as constants at construction.
type DiT struct {
	cfg           Config
	backend       AttentionBackend
	rotary        *SpatialRotary
	spatialTable  [][]float32 // (gridH·gridW, HiddenDim)
	temporalTable [][]float32 // (timeGroups, HiddenDim)
	nanLogger     *nanlogger.NanLogger
}

// New validates the configuration, resolves the attention backend and
// precomputes the positional tables. All dimension mismatches fail here,
// never at forward time.
func New(cfg Config) (*DiT, error) {
	if cfg.InputSize <= 0 || cfg.PatchSize <= 0 || cfg.InputSize%cfg.PatchSize != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "input size %d must be positive and divisible by patch size %d",
			cfg.InputSize, cfg.PatchSize)
	}
	if cfg.TemporalPatchSize <= 0 || cfg.NumFrames <= 0 || cfg.NumFrames%cfg.TemporalPatchSize != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "num frames %d must be positive and divisible by temporal patch size %d",
			cfg.NumFrames, cfg.TemporalPatchSize)
	}
	if cfg.InChannels <= 0 || cfg.Depth <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "channels (%d) and depth (%d) must be positive",
			cfg.InChannels, cfg.Depth)
	}
	if cfg.NumHeads <= 0 || cfg.HiddenDim <= 0 || cfg.HiddenDim%cfg.NumHeads != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "hidden dim %d must be positive and divisible by %d heads",
			cfg.HiddenDim, cfg.NumHeads)
	}
	if cfg.HiddenDim%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "hidden dim %d must be divisible by 4 for the 2D positional table",
			cfg.HiddenDim)
	}
	if cfg.ClassDropoutProb < 0 || cfg.ClassDropoutProb > 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "class dropout probability %g out of [0,1]", cfg.ClassDropoutProb)
	}
	backend, err := NewAttentionBackend(cfg.backendName())
	if err != nil {
		return nil, err
	}

	grid := cfg.InputSize / cfg.PatchSize
	timeGroups := cfg.NumFrames / cfg.TemporalPatchSize

	model := &DiT{cfg: cfg, backend: backend}
	model.spatialTable, err = SinCos2D(cfg.HiddenDim, grid, grid)
	if err != nil {
		return nil, err
	}
	model.temporalTable, err = TemporalSinCos(cfg.HiddenDim, timeGroups)
	if err != nil {
		return nil, err
	}

	if cfg.UseRotary {
		headDim := cfg.HiddenDim / cfg.NumHeads
		if headDim%4 != 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "head dim %d must be divisible by 4 for 2D rotary encoding", headDim)
		}
		ptGrid := [2]int{grid, grid}
		var ftGrid *[2]int
		if cfg.BaseSize > 0 && cfg.BaseSize != cfg.InputSize {
			if cfg.BaseSize%cfg.PatchSize != 0 {
				return nil, errors.Wrapf(ErrInvalidConfig, "base size %d must be divisible by patch size %d",
					cfg.BaseSize, cfg.PatchSize)
			}
			base := cfg.BaseSize / cfg.PatchSize
			ptGrid = [2]int{base, base}
			ftGrid = &[2]int{grid, grid}
		}
		model.rotary, err = NewSpatialRotary(headDim/2, ptGrid, ftGrid)
		if err != nil {
			return nil, err
		}
	}
	return model, nil
}

// Config returns the configuration the model was built with.
func (m *DiT) Config() Config { return m.cfg }

// AttachNanLogger wires a NaN tracer into subsequent Forward graph builds:
// every block output is traced so numeric anomalies are reported with the
// block scope while the attention backends degrade gracefully (zero-fill).
// Attach the same logger to the Exec running the graph.
func (m *DiT) AttachNanLogger(l *nanlogger.NanLogger) { m.nanLogger = l }

// Forward builds the denoising forward pass.
//
// x is the noised latent [batch, time, channels, height, width] — rank-5 is
// required, single-image rank-4 input is not supported. t holds per-sample
// diffusion timesteps [batch]. y, optional (nil for unconditional models),
// holds class labels [batch]. mask, optional, is a validity mask as accepted
// by AttentionBiasFromMask.
//
// Returns [batch, time, OutChannels(), height, width].
//
// Layout transitions, with T' = time/TemporalPatchSize and N the number of
// spatial patches:
//
//	[B,T,C,H,W] → patch embed → [B·T', N, D]
//	→ [B, T', N, D]  (+ spatial table over N, + temporal table over T')
//	→ [B, T'·N, D]   block-stack order, N varying fastest
//	→ final head → [B·T', N, patch vector] → unpatchify → [B,T,C_out,H,W]
func (m *DiT) Forward(ctx *context.Context, x, t, y, mask *Node) *Node {
	cfg := m.cfg
	if x.Rank() != 5 {
		Panicf("unsupported input shape: DiT requires rank-5 [batch, time, channels, height, width], got %s", x.Shape())
	}
	batch := x.Shape().Dim(0)
	time := x.Shape().Dim(1)
	if time != cfg.NumFrames {
		Panicf("unsupported input shape: model built for %d frames, got %d", cfg.NumFrames, time)
	}
	if x.Shape().Dim(2) != cfg.InChannels || x.Shape().Dim(3) != cfg.InputSize || x.Shape().Dim(4) != cfg.InputSize {
		Panicf("unsupported input shape: model built for [*, %d, %d, %d, %d], got %s",
			cfg.NumFrames, cfg.InChannels, cfg.InputSize, cfg.InputSize, x.Shape())
	}

	grid := cfg.InputSize / cfg.PatchSize
	timeGroups := time / cfg.TemporalPatchSize
	numPatches := grid * grid
	dtype := x.DType()

	// Default initialization for all projection layers; targeted layers
	// override with zero or small-normal initializers.
	ctx = ctx.WithInitializer(initializers.XavierUniformFn(ctx))

	var bias *Node
	if mask != nil {
		bias = AttentionBiasFromMask(mask, timeGroups, grid, grid, cfg.TemporalPatchSize, cfg.PatchSize)
		bias = ConvertDType(bias, dtype)
	}

	h := PatchEmbedding(ctx.In("patch_embed"), x, cfg.TemporalPatchSize, cfg.PatchSize, cfg.HiddenDim)
	h = Reshape(h, batch, timeGroups, numPatches, cfg.HiddenDim)

	g := x.Graph()
	// Spatial table is [N, D], temporal table [T', D]; both broadcast
	// against h shaped [B, T', N, D].
	spatial := ConvertDType(Const(g, m.spatialTable), dtype)
	temporal := ConvertDType(Const(g, m.temporalTable), dtype)
	h = Add(h, ExpandLeftToRank(spatial, 4))
	h = Add(h, ExpandAxes(ExpandLeftToRank(temporal, 3), 2))
	h = Reshape(h, batch, timeGroups*numPatches, cfg.HiddenDim)

	c := TimestepEncoding(ctx.In("t_embedder"), t, cfg.HiddenDim, cfg.frequencyEmbedDim())
	if cfg.NumClasses > 0 && y != nil {
		c = Add(c, LabelEncoding(ctx.In("y_embedder"), y, cfg.NumClasses, cfg.HiddenDim, cfg.ClassDropoutProb, nil))
	}

	for i := 0; i < cfg.Depth; i++ {
		scope := fmt.Sprintf("block_%03d", i)
		h = ConditionedBlock(ctx.In(scope), h, c, cfg.NumHeads, cfg.mlpRatio(),
			m.backend, m.rotary, bias, cfg.AttentionDropout, cfg.ProjectionDropout)
		if m.nanLogger != nil {
			m.nanLogger.TraceFirstNaN(h, scope)
		}
	}

	patchVectorDim := cfg.TemporalPatchSize * cfg.PatchSize * cfg.PatchSize * cfg.OutChannels()
	out := FinalHead(ctx.In("final"), h, c, patchVectorDim)
	out = Reshape(out, batch*timeGroups, numPatches, patchVectorDim)
	return Unpatchify(out, batch, cfg.TemporalPatchSize, cfg.PatchSize, cfg.OutChannels(), grid, grid)
}

// ForwardWithCFG is the classifier-free-guidance inference helper. The batch
// must be even with the first half holding the conditional samples; the
// second half is overwritten with a copy of the first, so t and y must carry
// the conditional inputs in their first half and the unconditional pairing
// (e.g. the dropped label) in their second half.
//
// Only the first InChannels output channels are guided with
// uncond + scale·(cond − uncond), replicated to both halves; any
// learned-variance channels are passed through as computed, never blended.
func (m *DiT) ForwardWithCFG(ctx *context.Context, x, t, y *Node, cfgScale float64, mask *Node) *Node {
	if x.Rank() != 5 {
		Panicf("unsupported input shape: DiT requires rank-5 input, got %s", x.Shape())
	}
	batch := x.Shape().Dim(0)
	if batch%2 != 0 {
		Panicf("classifier-free guidance requires an even batch, got %d", batch)
	}
	half := Slice(x, AxisRange(0, batch/2))
	combined := Concatenate([]*Node{half, half}, 0)
	out := m.Forward(ctx, combined, t, y, mask)

	inC := m.cfg.InChannels
	eps := Slice(out, AxisRange(), AxisRange(), AxisRange(0, inC))
	condEps := Slice(eps, AxisRange(0, batch/2))
	uncondEps := Slice(eps, AxisRange(batch/2, batch))
	guided := Add(uncondEps, MulScalar(Sub(condEps, uncondEps), cfgScale))
	eps = Concatenate([]*Node{guided, guided}, 0)

	if m.cfg.OutChannels() == inC {
		return eps
	}
	rest := Slice(out, AxisRange(), AxisRange(), AxisRange(inC, m.cfg.OutChannels()))
	return Concatenate([]*Node{eps, rest}, 2)
}
