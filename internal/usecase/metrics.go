package usecase

import (
	"context"

	"github.com/example/leafcheck/internal/embedding"
)

// MetricsSummary represents aggregated admission insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	Accepted          int64   `json:"accepted"`
	Rejected          int64   `json:"rejected"`
	Uncertain         int64   `json:"uncertain"`
	AcceptanceRate    float64 `json:"acceptance_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates admission metrics from persisted logs.
func (uc *AdmissionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		Accepted:          aggregation.AcceptedCount,
		Rejected:          aggregation.RejectedCount,
		Uncertain:         aggregation.UncertainCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.AcceptanceRate = float64(aggregation.AcceptedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// HealthStatus reports readiness of the pipeline and its dependencies.
type HealthStatus struct {
	ModelLoaded      bool     `json:"model_loaded"`
	Classes          []string `json:"classes"`
	EmbeddingMode    string   `json:"embedding_mode"`
	EmbeddingEnabled bool     `json:"embedding_gate_enabled"`
	CacheReachable   bool     `json:"cache_reachable"`
}

// Health reports whether the models are loaded and the cache is reachable.
func (uc *AdmissionUseCase) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{}
	if uc.admitter != nil {
		status.Classes = uc.admitter.Labels()
		status.ModelLoaded = len(status.Classes) > 0
		mode := uc.admitter.EmbeddingMode()
		status.EmbeddingMode = string(mode)
		status.EmbeddingEnabled = mode != embedding.ModeOff
	}
	if uc.cache != nil {
		status.CacheReachable = uc.cache.Ping(ctx) == nil
	}
	return status
}
