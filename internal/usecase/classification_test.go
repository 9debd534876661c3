package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/logging"
	"github.com/example/store-classifier/internal/model"
)

var storeLabels = []string{"RE", "Itaguacu"}

type stubPredictor struct {
	scores []float32
	err    error
	panic  bool
	calls  int
	shapes [][]int64
}

func (s *stubPredictor) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	s.shapes = append(s.shapes, input.Shape)
	if s.panic {
		panic("native runtime crashed")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubPredictor) OutputSize() int { return 2 }
func (s *stubPredictor) Close() error    { return nil }

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error = redis.Nil
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	} else if value != "" {
		err = nil
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newUseCase(t *testing.T, predictor model.Predictor, cache Cache) (*ClassificationUseCase, string) {
	t.Helper()
	loader := model.NewLoader(func() (model.Predictor, error) {
		if predictor == nil {
			return nil, model.ErrModelNotFound
		}
		return predictor, nil
	}, storeLabels, zap.NewNop())
	dir := t.TempDir()
	uc := NewClassificationUseCase(loader, imageprocessor.NewPreprocessor(224), cache, zap.NewNop(), Options{TempDir: dir})
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc, dir
}

func pngBytes(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files to be cleaned up, found %d", len(entries))
	}
}

func TestClassifySuccess(t *testing.T) {
	predictor := &stubPredictor{scores: []float32{0.9, 0.1}}
	cache := &stubCache{}
	uc, dir := newUseCase(t, predictor, cache)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "loja.png", Data: pngBytes(t, 320, 240, 255)})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.State != model.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", outcome.State)
	}
	if outcome.Prediction.Label != "RE" || outcome.Prediction.ConfidencePercent() != "90.00%" {
		t.Fatalf("unexpected prediction %+v", outcome.Prediction)
	}
	if outcome.Image.Width != 320 || outcome.Image.Height != 240 || outcome.Image.Mode != "RGB" {
		t.Fatalf("unexpected image info %+v", outcome.Image)
	}
	if outcome.RequestID == "" {
		t.Fatal("expected a request id")
	}
	if len(predictor.shapes) != 1 || len(predictor.shapes[0]) != 4 || predictor.shapes[0][1] != 224 {
		t.Fatalf("unexpected tensor shapes %v", predictor.shapes)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected prediction to be cached once, got %d", len(cache.setKeys))
	}
	assertDirEmpty(t, dir)
}

func TestClassifyUsesCachedPrediction(t *testing.T) {
	payload, err := json.Marshal(cachedPrediction{Scores: []float32{0.2, 0.8}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	predictor := &stubPredictor{scores: []float32{0.9, 0.1}}
	cache := &stubCache{getValues: []string{string(payload)}}
	uc, dir := newUseCase(t, predictor, cache)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "loja.png", Data: pngBytes(t, 16, 16, 255)})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !outcome.Cached || outcome.Prediction.Label != "Itaguacu" {
		t.Fatalf("expected cached Itaguacu, got %+v (cached=%v)", outcome.Prediction, outcome.Cached)
	}
	if predictor.calls != 0 {
		t.Fatalf("expected model to be skipped on cache hit, called %d times", predictor.calls)
	}
	if got := uc.GetMetricsSummary().CacheHits; got != 1 {
		t.Fatalf("expected 1 cache hit, got %d", got)
	}
	assertDirEmpty(t, dir)
}

func TestClassifyRetriesTransientCacheWrite(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc, _ := newUseCase(t, &stubPredictor{scores: []float32{0.4, 0.6}}, cache)

	if _, err := uc.Classify(context.Background(), Upload{Filename: "a.png", Data: pngBytes(t, 8, 8, 255)}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected a retry of the cache write, got %d calls", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestClassifyIgnoresCacheFailures(t *testing.T) {
	cache := &stubCache{getErrs: []error{errors.New("connection refused")}, setErrs: []error{errors.New("read only")}}
	uc, _ := newUseCase(t, &stubPredictor{scores: []float32{0.4, 0.6}}, cache)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "a.png", Data: pngBytes(t, 8, 8, 255)})
	if err != nil {
		t.Fatalf("cache failures must not fail classification: %v", err)
	}
	if outcome.Prediction.Label != "Itaguacu" {
		t.Fatalf("unexpected label %s", outcome.Prediction.Label)
	}
}

func TestClassifyMalformedImage(t *testing.T) {
	predictor := &stubPredictor{scores: []float32{0.9, 0.1}}
	uc, dir := newUseCase(t, predictor, nil)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "loja.jpg", Data: []byte("not an image")})
	if !errors.Is(err, imageprocessor.ErrPreprocess) {
		t.Fatalf("expected preprocessing error, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "imageprocessor.decode" || opErr.RequestID != outcome.RequestID {
		t.Fatalf("expected decode OperationError, got %#v", err)
	}
	if outcome.State != model.StateError {
		t.Fatalf("expected ERROR, got %s", outcome.State)
	}
	if predictor.calls != 0 {
		t.Fatal("model must not run for undecodable uploads")
	}
	assertDirEmpty(t, dir)
}

func TestClassifyModelUnavailable(t *testing.T) {
	uc, dir := newUseCase(t, nil, nil)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "loja.png", Data: pngBytes(t, 10, 12, 255)})
	if !errors.Is(err, model.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if outcome.Image.Width != 10 || outcome.Image.Height != 12 {
		t.Fatalf("expected image info despite missing model, got %+v", outcome.Image)
	}
	if outcome.State != model.StateError {
		t.Fatalf("expected ERROR, got %s", outcome.State)
	}
	assertDirEmpty(t, dir)
}

func TestClassifyRecoversFromPanic(t *testing.T) {
	uc, dir := newUseCase(t, &stubPredictor{panic: true}, nil)

	outcome, err := uc.Classify(context.Background(), Upload{Filename: "loja.webp", Data: pngBytes(t, 4, 4, 255)})
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
	if outcome.State != model.StateError {
		t.Fatalf("expected ERROR, got %s", outcome.State)
	}
	assertDirEmpty(t, dir)
}

func TestClassifyPredictorError(t *testing.T) {
	uc, dir := newUseCase(t, &stubPredictor{err: errors.New("session closed")}, nil)

	_, err := uc.Classify(context.Background(), Upload{Filename: "loja.png", Data: pngBytes(t, 4, 4, 255)})
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
	if op, _ := logging.OperationOf(err); op != "model.predict" {
		t.Fatalf("expected model.predict operation, got %q", op)
	}
	assertDirEmpty(t, dir)
}

func TestMetricsSummaryCountsOutcomes(t *testing.T) {
	uc, _ := newUseCase(t, &stubPredictor{scores: []float32{0.5, 0.5}}, nil)
	ctx := context.Background()

	if _, err := uc.Classify(ctx, Upload{Filename: "a.png", Data: pngBytes(t, 4, 4, 255)}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if _, err := uc.Classify(ctx, Upload{Filename: "b.png", Data: []byte("junk")}); err == nil {
		t.Fatal("expected failure")
	}

	summary := uc.GetMetricsSummary()
	if summary.TotalRequests != 2 || summary.SuccessfulRequests != 1 || summary.PreprocessingFailures != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("unexpected success rate %f", summary.SuccessRate)
	}
}

func TestZeroValueUseCaseReportsUnavailable(t *testing.T) {
	uc := &ClassificationUseCase{}
	if uc.ModelStatus().Available() {
		t.Fatal("expected zero-value use case to report no model")
	}
	if !errors.Is(uc.ModelStatus().Err(), model.ErrModelUnavailable) {
		t.Fatalf("unexpected err %v", uc.ModelStatus().Err())
	}
}
