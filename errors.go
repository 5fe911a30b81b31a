// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dit implements the transformer backbone of a video/image diffusion
// model (a "Diffusion Transformer"): patch embedding, fixed sin-cos positional
// tables, 2D spatial rotary encoding, timestep/label conditioning, a stack of
// adaLN-zero modulated transformer blocks with a selectable attention backend,
// and the final unpatchify step, plus a classifier-free-guidance helper.
//
// The package builds GoMLX computation graphs: model methods take a
// *context.Context holding the learned variables and *graph.Node inputs, and
// are meant to be wrapped with context.NewExec for execution. See cmd/dit-info
// for a minimal end-to-end example.
package dit

import "github.com/pkg/errors"

// Errors returned at model construction time. Graph-building methods follow
// the engine convention instead and panic (via exceptions.Panicf) with these
// messages when a shape contract is violated at graph time.
var (
	// ErrInvalidConfig indicates an invalid hyperparameter combination, e.g.
	// hidden size not divisible by the number of heads, or an odd embedding
	// dimension where evenness is required.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedShape indicates an input tensor whose rank or dimensions
	// violate the 5D (batch, time, channels, height, width) contract.
	ErrUnsupportedShape = errors.New("unsupported input shape")

	// ErrUnsupportedBackend indicates a request for an attention backend that
	// is not registered in this build.
	ErrUnsupportedBackend = errors.New("unsupported attention backend")
)
