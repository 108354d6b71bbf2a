package runner

import (
	"context"
	"fmt"
)

// Model is an opaque loaded policy: RunMatch never interprets a model's
// internals, only asks it what observation shape it expects and what
// action it picks for a given observation. Grounded on model_loader.py's
// load_fighter_model, which downloads and loads an SB3 policy by content
// store key and hands back an object with an observation_space.shape and
// a predict() method — the two things the frame loop actually needs.
type Model interface {
	// ObservationShape is the model's declared input shape, e.g.
	// {4, 84, 84} for a 4-frame-stacked grayscale CHW policy.
	ObservationShape() []int
	// Predict returns the action the model picks for obs. Real inference
	// happens behind this call; it is never implemented here.
	Predict(ctx context.Context, obs Observation) (Action, error)
}

// ModelLoader loads a local model weights file (already downloaded by
// ModelCache.Load) into a Model handle ready for inference.
type ModelLoader func(ctx context.Context, path string) (Model, error)

// noopModelLoader is the default used when Runner is wired without a real
// inference backend; it fails immediately rather than fabricating actions.
func noopModelLoader(ctx context.Context, path string) (Model, error) {
	return nil, fmt.Errorf("runner: no model loader configured for %q", path)
}
