package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/logging"
	"github.com/example/leafcheck/internal/remediation"
	"github.com/example/leafcheck/internal/repository"
	"github.com/example/leafcheck/internal/verdict"
)

// ErrInvalidImage is returned when the upload cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

// AdmissionRepository defines the persistence operations needed by the use case.
type AdmissionRepository interface {
	SaveLog(ctx context.Context, log *repository.AdmissionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AdmissionLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.AdmissionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// Admitter runs the admission gates for one normalized image.
type Admitter interface {
	Evaluate(img imaging.Image) (verdict.Decision, error)
	Labels() []string
	EmbeddingMode() embedding.Mode
}

// SampleSink retains evaluated images. The sink decides which outcomes it
// keeps.
type SampleSink interface {
	Save(requestID, filename string, img imaging.Image, dec verdict.Decision) (string, error)
}

// AdmissionUseCase encapsulates the request flow around the pipeline.
type AdmissionUseCase struct {
	repo           AdmissionRepository
	cache          Cache
	admitter       Admitter
	samples        SampleSink
	logger         *zap.Logger
	imageSize      int
	timeout        time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises an AdmissionUseCase.
type Option func(*AdmissionUseCase)

// WithTimeout bounds each pipeline run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(uc *AdmissionUseCase) { uc.timeout = d }
}

// WithImageSize sets the side length images are normalized to.
func WithImageSize(size int) Option {
	return func(uc *AdmissionUseCase) {
		if size > 0 {
			uc.imageSize = size
		}
	}
}

// WithSamples enables retention of rejected and uncertain images.
func WithSamples(sink SampleSink) Option {
	return func(uc *AdmissionUseCase) { uc.samples = sink }
}

// AdmissionResult is returned to the transport layer.
type AdmissionResult struct {
	RequestID   string
	Decision    verdict.Decision
	Remediation *remediation.Advice
	Latency     time.Duration
}

type cachedAdmission struct {
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	Filename         string    `json:"filename"`
	Hash             string    `json:"sha1_hash"`
	Outcome          string    `json:"outcome"`
	Label            string    `json:"label"`
	Confidence       float64   `json:"confidence"`
	Cause            string    `json:"cause"`
	GreenRatio       float64   `json:"green_ratio"`
	Distance         *float64  `json:"distance,omitempty"`
	Threshold        *float64  `json:"threshold,omitempty"`
	UncertaintyScore *float64  `json:"uncertainty_score,omitempty"`
	Diagnostics      string    `json:"diagnostics"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// DuplicateReport lists earlier submissions of the same bytes.
type DuplicateReport struct {
	Request    *repository.AdmissionLog
	Duplicates []*repository.AdmissionLog
}

// NewAdmissionUseCase constructs a new use case instance.
func NewAdmissionUseCase(repo AdmissionRepository, cache Cache, admitter Admitter, logger *zap.Logger, opts ...Option) *AdmissionUseCase {
	uc := &AdmissionUseCase{
		repo:           repo,
		cache:          cache,
		admitter:       admitter,
		logger:         logger.Named("admission_usecase"),
		imageSize:      imaging.DefaultSize,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Admit decodes the upload, runs the pipeline and records the outcome.
func (uc *AdmissionUseCase) Admit(ctx context.Context, userID, filename string, imageBytes []byte) (*AdmissionResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.admit", requestID)

	img, err := decodeImage(imageBytes, uc.imageSize)
	if err != nil {
		opLogger.Info("upload rejected", zap.String("filename", filename), zap.Error(err))
		return nil, err
	}

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, statusPending, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	dec, err := uc.evaluate(ctx, img)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.evaluate", requestID, err)
		opLogger.Error("admission pipeline failed", zap.Error(wrapped))
		return nil, wrapped
	}
	latency := time.Since(start)

	if uc.samples != nil {
		if _, err := uc.samples.Save(requestID, filename, img, dec); err != nil {
			opLogger.Warn("failed to retain sample", zap.Error(err))
		}
	}

	hash := sha1.Sum(imageBytes)
	log, err := buildLog(requestID, userID, filename, hex.EncodeToString(hash[:]), dec, latency)
	if err != nil {
		opLogger.Error("failed to serialize diagnostics", zap.Error(err))
		return nil, err
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist admission log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize admission result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache admission result", zap.Error(err))
		return nil, err
	}

	result := &AdmissionResult{RequestID: requestID, Decision: dec, Latency: latency}
	if dec.Accepted() {
		if advice, ok := remediation.Lookup(dec.Label); ok {
			result.Remediation = &advice
		}
	}
	opLogger.Info("admission completed",
		zap.String("outcome", string(dec.Outcome)),
		zap.Duration("latency", latency),
	)
	return result, nil
}

func decodeImage(data []byte, size int) (imaging.Image, error) {
	src, _, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return imaging.Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img, err := imaging.Normalize(src, size)
	if err != nil {
		return imaging.Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// evaluate runs the pipeline under the configured timeout. The pipeline
// itself cannot be interrupted, so a timed-out run finishes in the background
// and its result is discarded.
func (uc *AdmissionUseCase) evaluate(ctx context.Context, img imaging.Image) (verdict.Decision, error) {
	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	type outcome struct {
		dec verdict.Decision
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		dec, err := uc.admitter.Evaluate(img)
		done <- outcome{dec: dec, err: err}
	}()

	select {
	case <-ctx.Done():
		return verdict.Decision{}, ctx.Err()
	case out := <-done:
		return out.dec, out.err
	}
}

func buildLog(requestID, userID, filename, hash string, dec verdict.Decision, latency time.Duration) (*repository.AdmissionLog, error) {
	diag, err := json.Marshal(dec.Diagnostics)
	if err != nil {
		return nil, err
	}
	log := &repository.AdmissionLog{
		RequestID:   requestID,
		UserID:      userID,
		Filename:    filename,
		SHA1Hash:    hash,
		Outcome:     string(dec.Outcome),
		Label:       dec.Label,
		Confidence:  dec.Confidence,
		Cause:       string(dec.Cause),
		Diagnostics: string(diag),
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if dec.Diagnostics.Content != nil {
		log.GreenRatio = dec.Diagnostics.Content.GreenRatio
	}
	if ec, ok := dec.Diagnostics.LastEmbedding(); ok {
		distance, threshold := ec.Distance, ec.Threshold
		log.Distance = &distance
		log.Threshold = &threshold
	}
	if dec.Metrics != nil {
		score := dec.Metrics.Score
		log.UncertaintyScore = &score
	}
	return log, nil
}

func toCached(log *repository.AdmissionLog) cachedAdmission {
	return cachedAdmission{
		RequestID:        log.RequestID,
		UserID:           log.UserID,
		Filename:         log.Filename,
		Hash:             log.SHA1Hash,
		Outcome:          log.Outcome,
		Label:            log.Label,
		Confidence:       log.Confidence,
		Cause:            log.Cause,
		GreenRatio:       log.GreenRatio,
		Distance:         log.Distance,
		Threshold:        log.Threshold,
		UncertaintyScore: log.UncertaintyScore,
		Diagnostics:      log.Diagnostics,
		LatencyMs:        log.LatencyMs,
		CreatedAt:        log.CreatedAt,
	}
}

func (c cachedAdmission) toLog() *repository.AdmissionLog {
	return &repository.AdmissionLog{
		RequestID:        c.RequestID,
		UserID:           c.UserID,
		Filename:         c.Filename,
		SHA1Hash:         c.Hash,
		Outcome:          c.Outcome,
		Label:            c.Label,
		Confidence:       c.Confidence,
		Cause:            c.Cause,
		GreenRatio:       c.GreenRatio,
		Distance:         c.Distance,
		Threshold:        c.Threshold,
		UncertaintyScore: c.UncertaintyScore,
		Diagnostics:      c.Diagnostics,
		LatencyMs:        c.LatencyMs,
		CreatedAt:        c.CreatedAt,
	}
}

// GetResult retrieves a cached admission outcome or loads it from persistence.
// Cached entries owned by another user are ignored.
func (uc *AdmissionUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.AdmissionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var payload cachedAdmission
		if cached == statusPending {
			opLogger.Debug("result still processing")
		} else if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return payload.toLog(), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport lists the user's other submissions of the same image bytes.
func (uc *AdmissionUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *AdmissionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
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

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AdmissionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
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
