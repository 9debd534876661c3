package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/logging"
	"github.com/example/store-classifier/internal/model"
)

// ErrUnexpected marks failures that are neither a missing model nor a bad image.
var ErrUnexpected = errors.New("unexpected classification error")

// ModelSource yields the process-wide model handle.
type ModelSource interface {
	Load() *model.Handle
}

// Upload is one user-supplied image.
type Upload struct {
	Filename string
	Data     []byte
}

// Outcome is everything the page needs to render one classification.
// Image is filled in as soon as the upload decodes, even when a later
// step fails.
type Outcome struct {
	RequestID  string
	State      model.State
	Image      imageprocessor.ImageInfo
	Prediction *model.Prediction
	Cached     bool
	Elapsed    time.Duration
}

// Options tune a ClassificationUseCase.
type Options struct {
	TempDir  string
	CacheTTL time.Duration
}

// ClassificationUseCase runs the upload -> tensor -> model -> prediction flow.
type ClassificationUseCase struct {
	models       ModelSource
	preprocessor *imageprocessor.Preprocessor
	cache        Cache
	logger       *zap.Logger
	tempDir      string
	cacheTTL     time.Duration
	stats        counters

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedPrediction struct {
	Scores    []float32 `json:"scores"`
	Hash      string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// NewClassificationUseCase constructs a new use case instance. A nil cache
// disables prediction caching.
func NewClassificationUseCase(models ModelSource, preprocessor *imageprocessor.Preprocessor, cache Cache, logger *zap.Logger, opts Options) *ClassificationUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &ClassificationUseCase{
		models:         models,
		preprocessor:   preprocessor,
		cache:          cache,
		logger:         logger.Named("classification_usecase"),
		tempDir:        opts.TempDir,
		cacheTTL:       opts.CacheTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ModelStatus returns the loaded model handle.
func (uc *ClassificationUseCase) ModelStatus() *model.Handle {
	if uc.models == nil {
		return &model.Handle{}
	}
	return uc.models.Load()
}

// Labels returns the configured class labels in output order.
func (uc *ClassificationUseCase) Labels() []string {
	return uc.ModelStatus().Labels()
}

// Classify runs one upload through the pipeline. The returned outcome is
// never nil. It ends in model.StateSuccess, or in model.StateError with err
// wrapping model.ErrModelUnavailable, imageprocessor.ErrPreprocess or
// ErrUnexpected. The temporary copy of the upload is removed on every path.
func (uc *ClassificationUseCase) Classify(ctx context.Context, upload Upload) (outcome *Outcome, err error) {
	start := time.Now()
	outcome = &Outcome{RequestID: uuid.NewString(), State: model.StateProcessing}
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", outcome.RequestID)

	defer func() {
		if r := recover(); r != nil {
			opLogger.Error("classification panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = logging.NewOperationError("usecase.classify", outcome.RequestID, fmt.Errorf("%w: %v", ErrUnexpected, r))
		}
		if err != nil {
			outcome.State = outcome.State.Next(true)
		}
		outcome.Elapsed = time.Since(start)
		uc.stats.record(err)
		if err != nil {
			opLogger.Warn("classification failed", zap.Error(err), zap.String("filename", upload.Filename))
			return
		}
		opLogger.Info("classification complete",
			zap.String("label", outcome.Prediction.Label),
			zap.Float32("confidence", outcome.Prediction.Confidence),
			zap.Bool("cached", outcome.Cached),
			zap.Duration("elapsed", outcome.Elapsed))
	}()

	path, cleanup, err := imageprocessor.Materialize(uc.tempDir, upload.Filename, upload.Data)
	if err != nil {
		return outcome, logging.NewOperationError("usecase.materialize_upload", outcome.RequestID, fmt.Errorf("%w: %w", ErrUnexpected, err))
	}
	defer cleanup()

	img, info, err := imageprocessor.DecodeFile(path)
	if err != nil {
		if !errors.Is(err, imageprocessor.ErrPreprocess) {
			err = fmt.Errorf("%w: %w", ErrUnexpected, err)
		}
		return outcome, logging.NewOperationError("imageprocessor.decode", outcome.RequestID, err)
	}
	outcome.Image = info

	handle := uc.ModelStatus()
	if !handle.Available() {
		return outcome, logging.NewOperationError("model.load", outcome.RequestID, handle.Err())
	}

	hash := sha256.Sum256(upload.Data)
	hashHex := hex.EncodeToString(hash[:])
	cacheKey := fmt.Sprintf("prediction:%s", hashHex)

	if scores, ok := uc.lookup(ctx, outcome.RequestID, cacheKey); ok {
		if prediction, err := model.Interpret(scores, handle.Labels()); err == nil {
			uc.stats.cacheHits.Add(1)
			outcome.Prediction = prediction
			outcome.Cached = true
			outcome.State = outcome.State.Next(false)
			return outcome, nil
		}
		opLogger.Warn("discarding cached prediction that no longer matches labels")
	}

	tensor, err := uc.preprocessor.Preprocess(img)
	if err != nil {
		return outcome, logging.NewOperationError("imageprocessor.preprocess", outcome.RequestID, err)
	}

	scores, err := handle.Predictor().Predict(ctx, tensor)
	if err != nil {
		return outcome, logging.NewOperationError("model.predict", outcome.RequestID, fmt.Errorf("%w: %w", ErrUnexpected, err))
	}

	prediction, err := model.Interpret(scores, handle.Labels())
	if err != nil {
		return outcome, logging.NewOperationError("model.interpret", outcome.RequestID, fmt.Errorf("%w: %w", ErrUnexpected, err))
	}
	outcome.Prediction = prediction
	outcome.State = outcome.State.Next(false)

	uc.store(ctx, outcome.RequestID, cacheKey, cachedPrediction{
		Scores:    scores,
		Hash:      hashHex,
		CreatedAt: time.Now().UTC(),
	})
	return outcome, nil
}

// lookup returns cached scores. Cache failures are logged and treated as misses.
func (uc *ClassificationUseCase) lookup(ctx context.Context, requestID, key string) ([]float32, bool) {
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.prediction", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var payload cachedPrediction
	if err := json.Unmarshal([]byte(cached), &payload); err != nil {
		logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return nil, false
	}
	return payload.Scores, true
}

// store writes scores to the cache. Failures only produce a warning.
func (uc *ClassificationUseCase) store(ctx context.Context, requestID, key string, payload cachedPrediction) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.prediction", requestID).Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.prediction", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set.prediction", requestID).Warn("failed to cache prediction", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Debug("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
