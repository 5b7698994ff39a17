package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/leafcheck/internal/auth"
	"github.com/example/leafcheck/internal/repository"
	"github.com/example/leafcheck/internal/usecase"
	"github.com/example/leafcheck/internal/verdict"
)

// MaxUploadSize caps image uploads at 10 MiB.
const MaxUploadSize = 10 << 20

const uncertainMessage = "low confidence prediction; manual review recommended"

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// AdmissionService is the use case surface the routes depend on.
type AdmissionService interface {
	Admit(ctx context.Context, userID, filename string, imageBytes []byte) (*usecase.AdmissionResult, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.AdmissionLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	Health(ctx context.Context) usecase.HealthStatus
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc AdmissionService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		status := svc.Health(c.Request.Context())
		code, state := http.StatusOK, "ok"
		if !status.ModelLoaded {
			code, state = http.StatusServiceUnavailable, "unavailable"
		}
		c.JSON(code, gin.H{
			"status":                 state,
			"model_loaded":           status.ModelLoaded,
			"classes":                status.Classes,
			"embedding_mode":         status.EmbeddingMode,
			"embedding_gate_enabled": status.EmbeddingEnabled,
			"cache_reachable":        status.CacheReachable,
		})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/predict", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)
		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		if !allowedImageTypes[strings.ToLower(file.Header.Get("Content-Type"))] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are supported"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if !allowedImageTypes[http.DetectContentType(data)] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are supported"})
			return
		}

		result, err := svc.Admit(c.Request.Context(), userID, file.Filename, data)
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrInvalidImage):
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image"})
			case errors.Is(err, context.DeadlineExceeded):
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": "admission timed out"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
			}
			return
		}

		writeDecision(c, result)
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		log, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, logResponse(log))
	})

	protected.GET("/result/:id/duplicates", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		report, err := svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, logResponse(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    logResponse(report.Request),
			"duplicates": duplicates,
		})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func writeDecision(c *gin.Context, result *usecase.AdmissionResult) {
	dec := result.Decision
	switch dec.Outcome {
	case verdict.OutcomeAccept:
		body := gin.H{
			"request_id":  result.RequestID,
			"status":      dec.Outcome,
			"prediction":  dec.Label,
			"confidence":  dec.Confidence,
			"metrics":     dec.Metrics,
			"diagnostics": dec.Diagnostics,
			"latency_ms":  result.Latency.Milliseconds(),
		}
		if result.Remediation != nil {
			body["remediation"] = result.Remediation
		}
		c.JSON(http.StatusOK, body)
	case verdict.OutcomeUncertain:
		c.JSON(http.StatusOK, gin.H{
			"request_id":  result.RequestID,
			"status":      dec.Outcome,
			"best_guess":  dec.Label,
			"confidence":  dec.Confidence,
			"message":     uncertainMessage,
			"metrics":     dec.Metrics,
			"diagnostics": dec.Diagnostics,
			"latency_ms":  result.Latency.Milliseconds(),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"request_id":  result.RequestID,
			"status":      dec.Outcome,
			"error":       dec.Cause.Message(),
			"cause":       dec.Cause,
			"diagnostics": dec.Diagnostics,
		})
	}
}

func logResponse(log *repository.AdmissionLog) gin.H {
	return gin.H{
		"request_id":        log.RequestID,
		"user_id":           log.UserID,
		"filename":          log.Filename,
		"sha1_hash":         log.SHA1Hash,
		"outcome":           log.Outcome,
		"label":             log.Label,
		"confidence":        log.Confidence,
		"cause":             log.Cause,
		"distance":          log.Distance,
		"threshold":         log.Threshold,
		"uncertainty_score": log.UncertaintyScore,
		"latency_ms":        log.LatencyMs,
		"created_at":        log.CreatedAt,
	}
}
