// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import "github.com/pkg/errors"

// presetShape is the (depth, hidden, heads) triple of one model size.
type presetShape struct {
	depth, hiddenDim, numHeads int
}

// presetPatch is the (temporal, spatial) patch pair encoded in a preset
// name: "122" means temporal patch 1 and spatial patch 2×2.
type presetPatch struct {
	temporal, spatial int
}

var (
	presetShapes = map[string]presetShape{
		"XL": {depth: 28, hiddenDim: 1152, numHeads: 16},
		"L":  {depth: 24, hiddenDim: 1024, numHeads: 16},
		"B":  {depth: 12, hiddenDim: 768, numHeads: 12},
		"S":  {depth: 12, hiddenDim: 384, numHeads: 6},
	}
	presetPatches = map[string]presetPatch{
		"122": {temporal: 1, spatial: 2},
		"144": {temporal: 1, spatial: 4},
		"188": {temporal: 1, spatial: 8},
	}
)

// PresetNames lists the supported preset identifiers, e.g. "DiT-XL/122".
func PresetNames() []string {
	names := make([]string, 0, len(presetShapes)*len(presetPatches))
	for _, size := range []string{"XL", "L", "B", "S"} {
		for _, patch := range []string{"122", "144", "188"} {
			names = append(names, "DiT-"+size+"/"+patch)
		}
	}
	return names
}

// FromPreset resolves a named preset (e.g. "DiT-XL/122") into a Config,
// applying cfg's task-specific fields (input size, frames, channels,
// conditioning, backend selection) on top of the preset's architecture
// shape. The preset overrides Depth, HiddenDim, NumHeads, PatchSize and
// TemporalPatchSize.
func FromPreset(name string, cfg Config) (Config, error) {
	var size, patch string
	for i := range name {
		if name[i] == '/' {
			size, patch = name[:i], name[i+1:]
			break
		}
	}
	const prefix = "DiT-"
	if len(size) <= len(prefix) || size[:len(prefix)] != prefix {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown preset %q (available: %v)", name, PresetNames())
	}
	shape, ok := presetShapes[size[len(prefix):]]
	if !ok {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown preset %q (available: %v)", name, PresetNames())
	}
	patchCfg, ok := presetPatches[patch]
	if !ok {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown preset %q (available: %v)", name, PresetNames())
	}
	cfg.Depth = shape.depth
	cfg.HiddenDim = shape.hiddenDim
	cfg.NumHeads = shape.numHeads
	cfg.TemporalPatchSize = patchCfg.temporal
	cfg.PatchSize = patchCfg.spatial
	return cfg, nil
}
