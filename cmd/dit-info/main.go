// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dit-info builds a DiT backbone from a named preset, reports its parameter
// count and benchmarks the forward pass on the default backend.
//
// Example:
//
//	dit-info -preset DiT-S/122 -input-size 32 -frames 8 -steps 10
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/dit"
)

var (
	flagPreset    = flag.String("preset", "DiT-S/122", "Model preset name")
	flagInputSize = flag.Int("input-size", 32, "Spatial size of the latent input")
	flagFrames    = flag.Int("frames", 8, "Number of input frames")
	flagChannels  = flag.Int("channels", 4, "Latent channel count")
	flagClasses   = flag.Int("classes", 1000, "Number of classes (0 for unconditional)")
	flagBackend   = flag.String("attention", "math", "Attention backend")
	flagRotary    = flag.Bool("rotary", true, "Use 2D spatial rotary encoding")
	flagBatch     = flag.Int("batch", 2, "Batch size for the benchmark")
	flagSteps     = flag.Int("steps", 10, "Number of benchmark forward passes")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(dit.FromPreset(*flagPreset, dit.Config{
		InputSize:        *flagInputSize,
		NumFrames:        *flagFrames,
		InChannels:       *flagChannels,
		NumClasses:       *flagClasses,
		ClassDropoutProb: 0.1,
		LearnSigma:       true,
		AttentionBackend: *flagBackend,
		UseRotary:        *flagRotary,
	}))
	model := must.M1(dit.New(cfg))

	backend := must.M1(backends.New())
	klog.Infof("backend: %s", backend.Name())

	ctx := context.New()
	exec := must.M1(context.NewExec(backend, ctx,
		func(ctx *context.Context, x, t, y *graph.Node) *graph.Node {
			return model.Forward(ctx, x, t, y, nil)
		}))

	x := randomLatents(*flagBatch, *flagFrames, *flagChannels, *flagInputSize)
	t := randomTimesteps(*flagBatch)
	y := randomLabels(*flagBatch, *flagClasses)

	// First call compiles the graph and creates the variables.
	start := time.Now()
	outputs := exec.MustExec(x, t, y)
	klog.Infof("first call (compile + run): %s", time.Since(start))
	fmt.Printf("%s: %s parameters, output shape %s\n",
		*flagPreset, humanize.Comma(int64(ctx.NumParameters())), outputs[0].Shape())

	bar := progressbar.Default(int64(*flagSteps), "forward")
	start = time.Now()
	for i := 0; i < *flagSteps; i++ {
		exec.MustExec(x, t, y)
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	fmt.Printf("%d forward passes in %s (%s/pass)\n",
		*flagSteps, elapsed, elapsed/time.Duration(*flagSteps))
}

func randomLatents(batch, frames, channels, size int) *tensors.Tensor {
	data := make([]float32, batch*frames*channels*size*size)
	for i := range data {
		data[i] = float32(rand.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, batch, frames, channels, size, size)
}

func randomTimesteps(batch int) *tensors.Tensor {
	data := make([]float32, batch)
	for i := range data {
		data[i] = float32(rand.Intn(1000))
	}
	return tensors.FromFlatDataAndDimensions(data, batch)
}

func randomLabels(batch, classes int) *tensors.Tensor {
	data := make([]int32, batch)
	for i := range data {
		if classes > 0 {
			data[i] = int32(rand.Intn(classes))
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batch)
}
