package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leafcheck/internal/logging"
)

// AdmissionLog is the audit record of one admission request.
type AdmissionLog struct {
	ID               uint      `gorm:"primaryKey"`
	RequestID        string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID           string    `gorm:"column:user_id;index;size:64"`
	Filename         string    `gorm:"column:filename;size:255"`
	SHA1Hash         string    `gorm:"column:sha1_hash;index;size:40"`
	Outcome          string    `gorm:"column:outcome;index;size:16"`
	Label            string    `gorm:"column:label;size:64"`
	Confidence       float64   `gorm:"column:confidence"`
	Cause            string    `gorm:"column:cause;size:64"`
	GreenRatio       float64   `gorm:"column:green_ratio"`
	Distance         *float64  `gorm:"column:distance"`
	Threshold        *float64  `gorm:"column:threshold"`
	UncertaintyScore *float64  `gorm:"column:uncertainty_score"`
	Diagnostics      string    `gorm:"column:diagnostics;type:text"`
	LatencyMs        int64     `gorm:"column:latency_ms"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AdmissionLog) TableName() string {
	return "admission_logs"
}

// Aggregation summarises the audit log.
type Aggregation struct {
	TotalCount        int64
	AcceptedCount     int64
	RejectedCount     int64
	UncertainCount    int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// AdmissionRepository provides persistence APIs for admission logs.
type AdmissionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAdmissionRepository creates a new repository instance.
func NewAdmissionRepository(db *gorm.DB, logger *zap.Logger) *AdmissionRepository {
	return &AdmissionRepository{
		db:             db,
		logger:         logger.Named("admission_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AdmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AdmissionLog{})
}

// SaveLog persists an admission log entry.
func (r *AdmissionRepository) SaveLog(ctx context.Context, log *AdmissionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves an admission log matching the request and owner.
func (r *AdmissionRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*AdmissionLog, error) {
	var log AdmissionLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other submissions of the same bytes,
// newest first.
func (r *AdmissionRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*AdmissionLog, error) {
	var logs []*AdmissionLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals per outcome and averages over all logs.
func (r *AdmissionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var agg Aggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&AdmissionLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COUNT(*) FILTER (WHERE outcome = 'accept') AS accepted_count, " +
				"COUNT(*) FILTER (WHERE outcome = 'reject') AS rejected_count, " +
				"COUNT(*) FILTER (WHERE outcome = 'uncertain') AS uncertain_count, " +
				"COALESCE(AVG(confidence) FILTER (WHERE outcome <> 'reject'), 0) AS average_confidence, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AdmissionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
