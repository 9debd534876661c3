package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/store-classifier/internal/imageprocessor"
)

// ONNXConfig locates an ONNX classifier and names its tensors.
type ONNXConfig struct {
	Path          string
	SharedLibrary string
	InputName     string
	OutputName    string
	ImageSize     int
}

// ONNXModel runs a classifier through ONNX Runtime. The session reuses
// preallocated tensors, so runs are serialized.
type ONNXModel struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	outputSize   int
}

var ortEnv struct {
	sync.Mutex
	refs int
}

// OpenONNX returns an Opener for cfg. The artifact's existence is checked
// before ONNX Runtime is touched.
func OpenONNX(cfg ONNXConfig) Opener {
	return func() (Predictor, error) {
		return NewONNXModel(cfg)
	}
}

// NewONNXModel loads the model at cfg.Path.
func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.Path)
		}
		return nil, fmt.Errorf("stat model: %w", err)
	}

	if err := acquireEnvironment(cfg.SharedLibrary); err != nil {
		return nil, err
	}

	m, err := newONNXModel(cfg)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return m, nil
}

func newONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	outputSize, err := onnxOutputSize(cfg.Path, cfg.OutputName)
	if err != nil {
		return nil, err
	}

	size := int64(cfg.ImageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, size, size, imageprocessor.Channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outputSize)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXModel{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		outputSize:   outputSize,
	}, nil
}

// onnxOutputSize reads the class dimension of the named output.
func onnxOutputSize(path, outputName string) (int, error) {
	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read model info: %w", err)
	}
	for _, info := range outputs {
		if info.Name != outputName {
			continue
		}
		dims := info.Dimensions
		if len(dims) == 0 || dims[len(dims)-1] <= 0 {
			return 0, fmt.Errorf("output %q has no static class dimension: %v", outputName, dims)
		}
		return int(dims[len(dims)-1]), nil
	}
	return 0, fmt.Errorf("model has no output named %q", outputName)
}

// Predict copies input into the session and returns the output scores.
func (m *ONNXModel) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.inputTensor.GetData()
	if input == nil || len(input.Data) != len(dst) {
		got := 0
		if input != nil {
			got = len(input.Data)
		}
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), got)
	}
	copy(dst, input.Data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := m.outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

// OutputSize implements Predictor.
func (m *ONNXModel) OutputSize() int {
	return m.outputSize
}

// Close destroys the session and its tensors.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.inputTensor != nil {
		errs = append(errs, m.inputTensor.Destroy())
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		errs = append(errs, m.outputTensor.Destroy())
		m.outputTensor = nil
		releaseEnvironment()
	}
	return errors.Join(errs...)
}

func acquireEnvironment(sharedLibrary string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()

	if ortEnv.refs == 0 {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortEnv.refs++
	return nil
}

func releaseEnvironment() {
	ortEnv.Lock()
	defer ortEnv.Unlock()

	if ortEnv.refs == 0 {
		return
	}
	ortEnv.refs--
	if ortEnv.refs == 0 {
		_ = ort.DestroyEnvironment()
	}
}
