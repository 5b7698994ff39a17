// Package bootstrap turns a loaded configuration into a ready pipeline.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/example/leafcheck/internal/config"
	"github.com/example/leafcheck/internal/contentfilter"
	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/inference"
	"github.com/example/leafcheck/internal/onnx"
	"github.com/example/leafcheck/internal/pipeline"
	"github.com/example/leafcheck/internal/uncertainty"
)

// Components owns the loaded models. Close releases them.
type Components struct {
	Pipeline  *pipeline.Pipeline
	ImageSize int
	closers   []func()
}

// Close releases model sessions and the runtime environment.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Build loads both models and the centroid table and assembles the pipeline.
// A missing embedder or centroid table disables the novelty gate rather than
// failing startup; a missing classifier is fatal.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Components, error) {
	if err := onnx.Initialize(cfg.Models.RuntimeLibrary); err != nil {
		return nil, err
	}
	comps := &Components{}
	comps.closers = append(comps.closers, func() {
		if err := onnx.Shutdown(); err != nil {
			logger.Warn("failed to shut down onnx runtime", zap.Error(err))
		}
	})

	classifier, err := openClassifier(cfg.Models, comps)
	if err != nil {
		comps.Close()
		return nil, err
	}
	comps.ImageSize = classifier.ImageSize()

	var embedder embedding.Embedder
	if cfg.Embedding.Mode != embedding.ModeOff {
		if e, err := openEmbedder(cfg.Models, comps); err != nil {
			logger.Warn("embedder unavailable, novelty gate disabled", zap.Error(err))
		} else {
			embedder = e
		}
	}

	var table *embedding.Table
	if embedder != nil {
		table = LoadCentroids(ctx, cfg.Centroids, logger)
	}

	comps.Pipeline = Assemble(classifier, embedder, table, cfg, logger)
	logger.Info("admission pipeline ready",
		zap.Strings("classes", classifier.Labels()),
		zap.Int("image_size", comps.ImageSize),
		zap.String("embedding_mode", string(comps.Pipeline.EmbeddingMode())),
		zap.Int("tta_passes", cfg.Ensemble.Passes()),
	)
	return comps, nil
}

// Assemble wires already-loaded models into a pipeline. An embedder whose
// output or input size disagrees with the centroid table or the classifier
// disables the novelty gate.
func Assemble(classifier inference.Classifier, embedder embedding.Embedder, table *embedding.Table, cfg config.Config, logger *zap.Logger) *pipeline.Pipeline {
	if embedder != nil && table != nil {
		if err := checkGate(classifier, embedder, table); err != nil {
			logger.Warn("embedder and centroids disagree, novelty gate disabled", zap.Error(err))
			embedder, table = nil, nil
		}
	}
	return pipeline.New(
		contentfilter.New(cfg.Content),
		embedding.NewDetector(embedder, table, cfg.Embedding),
		inference.NewEngine(classifier, cfg.Ensemble.Temperature),
		uncertainty.NewScorer(cfg.Decision),
		cfg.Ensemble,
		logger,
	)
}

// LoadCentroids reads the centroid table from the configured file, falling
// back to Postgres when the file is absent. Any failure is logged and yields
// nil, which disables the novelty gate.
func LoadCentroids(ctx context.Context, cfg config.Centroids, logger *zap.Logger) *embedding.Table {
	if cfg.File != "" {
		table, err := embedding.LoadFile(cfg.File)
		if err == nil {
			logger.Info("loaded centroids", zap.String("source", cfg.File), zap.Int("classes", table.Len()))
			return table
		}
		if cfg.DatabaseDSN == "" || !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("centroids unavailable, novelty gate disabled", zap.String("source", cfg.File), zap.Error(err))
			return nil
		}
	}
	if cfg.DatabaseDSN == "" {
		logger.Warn("no centroid source configured, novelty gate disabled")
		return nil
	}

	store, err := embedding.OpenStore(ctx, cfg.DatabaseDSN, cfg.Table)
	if err != nil {
		logger.Warn("centroid store unavailable, novelty gate disabled", zap.Error(err))
		return nil
	}
	defer store.Close(ctx)

	table, err := store.Load(ctx)
	if err != nil {
		logger.Warn("failed to load centroids, novelty gate disabled", zap.Error(err))
		return nil
	}
	logger.Info("loaded centroids", zap.String("source", "postgres"), zap.Int("classes", table.Len()))
	return table
}

type vectorSizer interface {
	Dim() int
}

type imageSizer interface {
	ImageSize() int
}

// checkGate compares the shapes the collaborators report. Collaborators that
// do not report a shape are trusted.
func checkGate(classifier inference.Classifier, embedder embedding.Embedder, table *embedding.Table) error {
	if e, ok := embedder.(vectorSizer); ok && table.Len() > 0 && e.Dim() != table.Dim() {
		return fmt.Errorf("%w: embedder produces %d values, centroids have %d", embedding.ErrDimensionMismatch, e.Dim(), table.Dim())
	}
	e, eok := embedder.(imageSizer)
	c, cok := classifier.(imageSizer)
	if eok && cok && e.ImageSize() != c.ImageSize() {
		return fmt.Errorf("embedder expects %dpx images, classifier expects %dpx", e.ImageSize(), c.ImageSize())
	}
	return nil
}

func openClassifier(models config.Models, comps *Components) (*onnx.Classifier, error) {
	session, err := openSession(models.ClassifierPath, models.ClassifierMetadata, comps)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return onnx.NewClassifier(session)
}

func openEmbedder(models config.Models, comps *Components) (*onnx.Embedder, error) {
	if models.EmbedderPath == "" {
		return nil, errors.New("no embedder model configured")
	}
	session, err := openSession(models.EmbedderPath, models.EmbedderMetadata, comps)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return onnx.NewEmbedder(session), nil
}

func openSession(modelPath, metadataPath string, comps *Components) (*onnx.Session, error) {
	meta, err := onnx.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	session, err := onnx.NewSession(modelPath, meta)
	if err != nil {
		return nil, err
	}
	comps.closers = append(comps.closers, session.Close)
	return session, nil
}
