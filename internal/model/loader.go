package model

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Opener creates a predictor. It is called at most once per Loader.
type Opener func() (Predictor, error)

// Handle is the outcome of loading the model. A handle is never nil; when
// loading failed it is unavailable and Err explains why.
type Handle struct {
	predictor Predictor
	labels    []string
	err       error
}

// Available reports whether inference can run.
func (h *Handle) Available() bool {
	return h != nil && h.predictor != nil && h.err == nil
}

// Err returns the load failure, wrapped in ErrModelUnavailable.
func (h *Handle) Err() error {
	switch {
	case h == nil:
		return ErrModelUnavailable
	case h.err != nil:
		return fmt.Errorf("%w: %w", ErrModelUnavailable, h.err)
	case h.predictor == nil:
		return ErrModelUnavailable
	}
	return nil
}

// Predictor returns the loaded predictor, or nil when unavailable.
func (h *Handle) Predictor() Predictor {
	if !h.Available() {
		return nil
	}
	return h.predictor
}

// Labels is the class label list the handle was validated against.
func (h *Handle) Labels() []string {
	if h == nil {
		return nil
	}
	return h.labels
}

// Loader lazily opens the model once and hands out the same Handle for the
// rest of the process.
type Loader struct {
	open   Opener
	labels []string
	logger *zap.Logger

	once   sync.Once
	handle *Handle
}

// NewLoader creates a loader. Nothing is read from disk until Load.
func NewLoader(open Opener, labels []string, logger *zap.Logger) *Loader {
	return &Loader{
		open:   open,
		labels: append([]string(nil), labels...),
		logger: logger.Named("model_loader"),
	}
}

// Load opens the model on first use and returns the cached handle after that.
func (l *Loader) Load() *Handle {
	l.once.Do(func() {
		l.handle = l.load()
	})
	return l.handle
}

// Close releases the predictor if one was loaded.
func (l *Loader) Close() error {
	h := l.Load()
	if !h.Available() {
		return nil
	}
	return h.predictor.Close()
}

func (l *Loader) load() (handle *Handle) {
	handle = &Handle{labels: l.labels}

	defer func() {
		if r := recover(); r != nil {
			handle = &Handle{labels: l.labels, err: fmt.Errorf("model open panicked: %v", r)}
			l.logger.Error("model load panicked", zap.Any("panic", r))
		}
	}()

	predictor, err := l.open()
	if err != nil {
		l.logger.Error("failed to load model", zap.Error(err))
		handle.err = err
		return handle
	}
	if predictor == nil {
		handle.err = fmt.Errorf("opener returned no predictor")
		return handle
	}

	if got := predictor.OutputSize(); got != len(l.labels) {
		err := fmt.Errorf("%w: model emits %d classes, %d labels configured", ErrLabelMismatch, got, len(l.labels))
		l.logger.Error("model rejected", zap.Error(err), zap.Strings("labels", l.labels))
		if cerr := predictor.Close(); cerr != nil {
			l.logger.Warn("failed to close rejected model", zap.Error(cerr))
		}
		handle.err = err
		return handle
	}

	handle.predictor = predictor
	l.logger.Info("model loaded", zap.Int("classes", len(l.labels)), zap.Strings("labels", l.labels))
	return handle
}
