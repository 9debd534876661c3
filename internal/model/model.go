// Package model loads the store classifier and interprets its output.
package model

import (
	"context"
	"errors"

	"github.com/example/store-classifier/internal/imageprocessor"
)

var (
	// ErrModelUnavailable is returned when inference is requested but no
	// model could be loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelNotFound reports a missing model artifact.
	ErrModelNotFound = errors.New("model file not found")
	// ErrLabelMismatch reports a model whose output size differs from the
	// configured class labels.
	ErrLabelMismatch = errors.New("model output does not match class labels")
	// ErrEmptyOutput reports a model that returned no probabilities.
	ErrEmptyOutput = errors.New("model returned an empty output")
)

// Predictor runs the classifier forward pass.
type Predictor interface {
	// Predict returns one score per class for a [1, H, W, 3] tensor.
	Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
	// OutputSize is the number of classes the model emits.
	OutputSize() int
	Close() error
}
