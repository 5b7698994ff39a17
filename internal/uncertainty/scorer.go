// Package uncertainty scores a class distribution and turns it into an
// admission decision.
package uncertainty

import (
	"math"

	"github.com/example/leafcheck/internal/inference"
	"github.com/example/leafcheck/internal/verdict"
)

// Weights of the combined uncertainty score.
type Weights struct {
	Confidence float64 `yaml:"confidence"`
	Entropy    float64 `yaml:"entropy"`
	Margin     float64 `yaml:"margin"`
}

// DefaultWeights returns 0.5 / 0.3 / 0.2.
func DefaultWeights() Weights {
	return Weights{Confidence: 0.5, Entropy: 0.3, Margin: 0.2}
}

// Thresholds are the independent decision limits.
type Thresholds struct {
	ConfidenceFloor    float64 `yaml:"confidence_floor"`
	MarginFloor        float64 `yaml:"margin_floor"`
	UncertaintyCeiling float64 `yaml:"uncertainty_ceiling"`
	// EntropyCeiling at or below zero disables the standalone entropy check.
	EntropyCeiling float64 `yaml:"entropy_ceiling"`
	Weights        Weights `yaml:"weights"`
}

// DefaultThresholds returns the production calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceFloor:    0.65,
		MarginFloor:        0.15,
		UncertaintyCeiling: 0.7,
		EntropyCeiling:     1.0,
		Weights:            DefaultWeights(),
	}
}

// Measure derives the uncertainty metrics of a distribution. Ties between
// the largest probabilities go to the lower class index. A single-class
// distribution has no runner-up, so its margin equals its confidence.
func Measure(d inference.Distribution, w Weights) verdict.UncertaintyMetrics {
	var m verdict.UncertaintyMetrics
	n := d.Len()
	if n == 0 {
		return m
	}

	top1, top2 := -1, -1
	for i, p := range d.Probs {
		switch {
		case top1 < 0 || p > d.Probs[top1]:
			top2 = top1
			top1 = i
		case top2 < 0 || p > d.Probs[top2]:
			top2 = i
		}
	}

	m.Top1Label = label(d, top1)
	m.Top1Confidence = d.Probs[top1]
	if top2 >= 0 {
		m.Top2Label = label(d, top2)
		m.Top2Confidence = d.Probs[top2]
	}
	m.Margin = m.Top1Confidence - m.Top2Confidence

	for _, p := range d.Probs {
		if p > 0 {
			m.Entropy -= p * math.Log(p)
		}
	}
	if n > 1 {
		m.NormalizedEntropy = clamp(m.Entropy/math.Log(float64(n)), 0, 1)
	}

	m.Score = w.Confidence*(1-m.Top1Confidence) + w.Entropy*m.NormalizedEntropy + w.Margin*(1-m.Margin)
	return m
}

func label(d inference.Distribution, i int) string {
	if i < len(d.Labels) {
		return d.Labels[i]
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Scorer applies the decision rule. It is stateless and safe for concurrent use.
type Scorer struct {
	thresholds Thresholds
}

// NewScorer builds a scorer with the given thresholds.
func NewScorer(thresholds Thresholds) *Scorer {
	return &Scorer{thresholds: thresholds}
}

// Thresholds returns the configured limits.
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Decide returns Uncertain when any trust floor is violated, Reject when the
// distribution is too confused overall, and Accept otherwise. The metrics are
// attached to every outcome.
func (s *Scorer) Decide(d inference.Distribution) verdict.Decision {
	m := Measure(d, s.thresholds.Weights)

	if m.Top1Confidence < s.thresholds.ConfidenceFloor {
		m.Flags = append(m.Flags, verdict.FlagLowConfidence)
	}
	if m.Margin < s.thresholds.MarginFloor {
		m.Flags = append(m.Flags, verdict.FlagLowMargin)
	}
	if m.Score > s.thresholds.UncertaintyCeiling {
		m.Flags = append(m.Flags, verdict.FlagHighUncertainty)
	}
	if len(m.Flags) > 0 {
		return verdict.Uncertain(m.Top1Label, m)
	}

	if s.thresholds.EntropyCeiling > 0 && m.Entropy > s.thresholds.EntropyCeiling {
		dec := verdict.Reject(verdict.CauseAmbiguousClass)
		dec.Metrics = &m
		return dec
	}

	dec := verdict.Accept(m.Top1Label, m.Top1Confidence)
	dec.Metrics = &m
	return dec
}
