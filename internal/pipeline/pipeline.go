// Package pipeline runs the admission gates for one image in a fixed order:
// content plausibility, embedding novelty, ensemble inference, then the
// uncertainty decision. A gate that rejects stops the run before any later,
// more expensive stage starts.
package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/leafcheck/internal/contentfilter"
	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/inference"
	"github.com/example/leafcheck/internal/logging"
	"github.com/example/leafcheck/internal/uncertainty"
	"github.com/example/leafcheck/internal/verdict"
)

// Pipeline is safe for concurrent use; every collaborator it holds is
// read-only after construction.
type Pipeline struct {
	filter   *contentfilter.Filter
	detector *embedding.Detector
	engine   *inference.Engine
	scorer   *uncertainty.Scorer
	passes   int
	logger   *zap.Logger
}

// New assembles a pipeline. A nil detector disables the novelty gate.
func New(filter *contentfilter.Filter, detector *embedding.Detector, engine *inference.Engine, scorer *uncertainty.Scorer, settings inference.Settings, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		filter:   filter,
		detector: detector,
		engine:   engine,
		scorer:   scorer,
		passes:   settings.Passes(),
		logger:   logger.Named("admission_pipeline"),
	}
	p.logger.Info("calibration loaded",
		zap.Any("content_thresholds", filter.Thresholds()),
		zap.Any("decision_thresholds", scorer.Thresholds()),
	)
	return p
}

// EmbeddingMode reports the effective novelty gate mode.
func (p *Pipeline) EmbeddingMode() embedding.Mode {
	return p.detector.Mode()
}

// Labels returns the classifier's class labels.
func (p *Pipeline) Labels() []string {
	return p.engine.Labels()
}

// Evaluate admits one normalized image. Errors are reserved for collaborator
// failures; every gate outcome is returned as a decision.
func (p *Pipeline) Evaluate(img imaging.Image) (verdict.Decision, error) {
	if img.Empty() {
		return verdict.Decision{}, imaging.ErrEmptyImage
	}

	content := p.filter.Evaluate(img)
	diag := verdict.Diagnostics{Content: &content.Metrics}
	if !content.Passed {
		dec := verdict.Reject(content.Cause)
		diag.FailedCheck = content.Failed
		return p.finish(dec, diag), nil
	}

	mode := p.detector.Mode()
	var vec embedding.Vector
	if mode.BeforeClassification() {
		var err error
		if vec, err = p.embed(img); err != nil {
			return verdict.Decision{}, err
		}
		if vec == nil {
			mode = embedding.ModeOff
		}
	}
	if vec != nil {
		res, err := p.detector.Nearest(vec)
		if err != nil {
			return verdict.Decision{}, fmt.Errorf("nearest centroid: %w", err)
		}
		diag.Embedding = append(diag.Embedding, embeddingCheck(embedding.ModeNearest, res))
		if !res.WithinBounds {
			return p.finish(verdict.Reject(verdict.CauseNovelImage), diag), nil
		}
	}

	dist, err := p.engine.Predict(img, p.passes)
	if err != nil {
		return verdict.Decision{}, err
	}
	diag.Probabilities = dist.Map()

	dec := p.scorer.Decide(dist)
	if !dec.Accepted() || !mode.AfterClassification() {
		return p.finish(dec, diag), nil
	}

	if vec == nil {
		vec, err = p.embed(img)
		if err != nil {
			return verdict.Decision{}, err
		}
		if vec == nil {
			return p.finish(dec, diag), nil
		}
	}
	res, err := p.detector.PredictedClass(vec, dec.Label)
	if err != nil {
		return verdict.Decision{}, fmt.Errorf("predicted class centroid: %w", err)
	}
	if !res.Skipped {
		diag.Embedding = append(diag.Embedding, embeddingCheck(embedding.ModePredicted, res))
	}
	if !res.WithinBounds {
		rejected := verdict.Reject(verdict.CauseNovelForClass)
		rejected.Metrics = dec.Metrics
		return p.finish(rejected, diag), nil
	}
	return p.finish(dec, diag), nil
}

// embed returns a nil vector without error when the embedding does not match
// the centroid table; the gate is skipped for that image.
func (p *Pipeline) embed(img imaging.Image) (embedding.Vector, error) {
	vec, err := p.detector.Embed(img)
	if errors.Is(err, embedding.ErrDimensionMismatch) {
		p.logger.Warn("embedding does not match centroids, novelty gate skipped", zap.Error(err))
		return nil, nil
	}
	return vec, err
}

func (p *Pipeline) finish(dec verdict.Decision, diag verdict.Diagnostics) verdict.Decision {
	dec.Diagnostics = diag
	switch dec.Outcome {
	case verdict.OutcomeAccept:
		p.logger.Debug("image accepted", logging.DecisionFields(dec)...)
	case verdict.OutcomeUncertain:
		p.logger.Info("image uncertain", logging.DecisionFields(dec)...)
	default:
		p.logger.Info("image rejected", logging.DecisionFields(dec)...)
	}
	return dec
}

func embeddingCheck(mode embedding.Mode, res embedding.Result) verdict.EmbeddingCheck {
	return verdict.EmbeddingCheck{
		Mode:          string(mode),
		ComparedLabel: res.ComparedLabel,
		NearestLabel:  res.NearestLabel,
		Distance:      res.Distance,
		Threshold:     res.Threshold,
		WithinBounds:  res.WithinBounds,
	}
}
