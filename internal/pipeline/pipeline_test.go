package pipeline

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/leafcheck/internal/contentfilter"
	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/inference"
	"github.com/example/leafcheck/internal/uncertainty"
	"github.com/example/leafcheck/internal/verdict"
)

type stubClassifier struct {
	labels []string
	logits []float32
	err    error
	calls  int
}

func (s *stubClassifier) Labels() []string { return s.labels }

func (s *stubClassifier) Classify(batch []imaging.Image) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(batch))
	for i := range out {
		out[i] = s.logits
	}
	return out, nil
}

type stubEmbedder struct {
	vec   embedding.Vector
	calls int
}

func (s *stubEmbedder) Embed(img imaging.Image) (embedding.Vector, error) {
	s.calls++
	return s.vec, nil
}

func logitsFor(probs ...float64) []float32 {
	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = float32(math.Log(p))
	}
	return out
}

func leafy() imaging.Image {
	palette := [][3]uint8{{30, 120, 30}, {60, 160, 50}, {120, 90, 60}, {90, 140, 70}}
	return imaging.New(40, func(x, _ int) (uint8, uint8, uint8) {
		p := palette[x%4]
		return p[0], p[1], p[2]
	})
}

type fixture struct {
	classifier *stubClassifier
	embedder   *stubEmbedder
	pipeline   *Pipeline
}

func newFixture(t *testing.T, mode embedding.Mode, vec embedding.Vector, probs ...float64) *fixture {
	t.Helper()
	table, err := embedding.NewTable(map[string][]float64{
		"A": {0, 0},
		"B": {100, 100},
	})
	if err != nil {
		t.Fatalf("failed to build centroids: %v", err)
	}
	return newFixtureWithTable(mode, table, vec, probs...)
}

func newFixtureWithTable(mode embedding.Mode, table *embedding.Table, vec embedding.Vector, probs ...float64) *fixture {
	classifier := &stubClassifier{labels: []string{"A", "B", "C", "D"}, logits: logitsFor(probs...)}
	embedder := &stubEmbedder{vec: vec}
	detector := embedding.NewDetector(embedder, table, embedding.Thresholds{
		Mode:     mode,
		Global:   20,
		PerClass: map[string]float64{"A": 8},
	})
	p := New(
		contentfilter.New(contentfilter.DefaultThresholds()),
		detector,
		inference.NewEngine(classifier, 1.0),
		uncertainty.NewScorer(uncertainty.DefaultThresholds()),
		inference.Settings{Enabled: false},
		zap.NewNop(),
	)
	return &fixture{classifier: classifier, embedder: embedder, pipeline: p}
}

func TestEvaluateAcceptsWithinPredictedClassThreshold(t *testing.T) {
	f := newFixture(t, embedding.ModePredicted, embedding.Vector{3, 0}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !dec.Accepted() {
		t.Fatalf("expected accept, got %s (%s)", dec.Outcome, dec.Cause)
	}
	if dec.Label != "A" || math.Abs(dec.Confidence-0.95) > 1e-6 {
		t.Fatalf("expected Accept(A, 0.95), got %s %f", dec.Label, dec.Confidence)
	}
	check, ok := dec.Diagnostics.LastEmbedding()
	if !ok || check.Distance != 3 || check.Threshold != 8 {
		t.Fatalf("expected predicted-class check 3 vs 8, got %+v", check)
	}
	if dec.Diagnostics.Content == nil || dec.Diagnostics.Probabilities == nil {
		t.Fatalf("expected content metrics and probabilities, got %+v", dec.Diagnostics)
	}
}

func TestEvaluateRejectsNovelForPredictedClass(t *testing.T) {
	f := newFixture(t, embedding.ModePredicted, embedding.Vector{12, 0}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dec.Outcome != verdict.OutcomeReject {
		t.Fatalf("expected reject, got %s", dec.Outcome)
	}
	if dec.Cause != verdict.CauseNovelForClass {
		t.Fatalf("unexpected cause: %s", dec.Cause)
	}
	if dec.Cause.Message() != "novel/out-of-distribution for predicted class" {
		t.Fatalf("unexpected message: %s", dec.Cause.Message())
	}
	check, ok := dec.Diagnostics.LastEmbedding()
	if !ok || check.Distance != 12 || check.Threshold != 8 || check.ComparedLabel != "a" {
		t.Fatalf("expected distance 12 against 8 for class a, got %+v", check)
	}
}

func TestEvaluateContentRejectionShortCircuits(t *testing.T) {
	f := newFixture(t, embedding.ModeBoth, embedding.Vector{0, 0}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(imaging.Uniform(40, 100, 150, 230))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dec.Outcome != verdict.OutcomeReject || dec.Cause != verdict.CauseInsufficientGreen {
		t.Fatalf("expected insufficient green rejection, got %s %s", dec.Outcome, dec.Cause)
	}
	if f.embedder.calls != 0 {
		t.Fatalf("embedder must not run after content rejection, got %d calls", f.embedder.calls)
	}
	if f.classifier.calls != 0 {
		t.Fatalf("classifier must not run after content rejection, got %d calls", f.classifier.calls)
	}
	if dec.Diagnostics.FailedCheck == nil {
		t.Fatal("expected failed check diagnostics")
	}
}

func TestEvaluateNearestRejectionSkipsClassifier(t *testing.T) {
	f := newFixture(t, embedding.ModeNearest, embedding.Vector{50, 50}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dec.Cause != verdict.CauseNovelImage {
		t.Fatalf("expected out-of-distribution rejection, got %s %s", dec.Outcome, dec.Cause)
	}
	if f.classifier.calls != 0 {
		t.Fatalf("classifier must not run after novelty rejection, got %d calls", f.classifier.calls)
	}
	check, _ := dec.Diagnostics.LastEmbedding()
	if check.Threshold != 20 || check.Mode != string(embedding.ModeNearest) {
		t.Fatalf("expected global threshold in nearest mode, got %+v", check)
	}
}

func TestEvaluateBothModesEmbedsOnce(t *testing.T) {
	f := newFixture(t, embedding.ModeBoth, embedding.Vector{3, 0}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !dec.Accepted() {
		t.Fatalf("expected accept, got %s (%s)", dec.Outcome, dec.Cause)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("expected one embedding, got %d", f.embedder.calls)
	}
	if len(dec.Diagnostics.Embedding) != 2 {
		t.Fatalf("expected nearest and predicted checks, got %+v", dec.Diagnostics.Embedding)
	}
}

func TestEvaluateUncertainSkipsPredictedClassCheck(t *testing.T) {
	f := newFixture(t, embedding.ModePredicted, embedding.Vector{90, 0}, 0.40, 0.38, 0.12, 0.10)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dec.Outcome != verdict.OutcomeUncertain || dec.Label != "A" {
		t.Fatalf("expected uncertain best guess A, got %s %q", dec.Outcome, dec.Label)
	}
	if f.embedder.calls != 0 {
		t.Fatalf("expected no embedding for uncertain outcome, got %d", f.embedder.calls)
	}
}

func TestEvaluateWithoutCentroidsDisablesGate(t *testing.T) {
	f := newFixtureWithTable(embedding.ModeBoth, nil, embedding.Vector{90, 90}, 0.95, 0.02, 0.02, 0.01)

	dec, err := f.pipeline.Evaluate(leafy())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !dec.Accepted() {
		t.Fatalf("expected accept, got %s (%s)", dec.Outcome, dec.Cause)
	}
	if f.embedder.calls != 0 || len(dec.Diagnostics.Embedding) != 0 {
		t.Fatalf("expected gate to be skipped, got %d calls", f.embedder.calls)
	}
	if f.pipeline.EmbeddingMode() != embedding.ModeOff {
		t.Fatalf("expected effective mode off, got %s", f.pipeline.EmbeddingMode())
	}
}

func TestEvaluatePropagatesClassifierFailure(t *testing.T) {
	f := newFixture(t, embedding.ModePredicted, embedding.Vector{0, 0}, 0.95, 0.02, 0.02, 0.01)
	boom := errors.New("session closed")
	f.classifier.err = boom

	if _, err := f.pipeline.Evaluate(leafy()); !errors.Is(err, boom) {
		t.Fatalf("expected classifier error, got %v", err)
	}
}

func TestEvaluateEmptyImage(t *testing.T) {
	f := newFixture(t, embedding.ModePredicted, embedding.Vector{0, 0}, 0.95, 0.02, 0.02, 0.01)
	if _, err := f.pipeline.Evaluate(imaging.Image{}); !errors.Is(err, imaging.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestEvaluateSkipsGateWhenEmbeddingDoesNotMatchCentroids(t *testing.T) {
	for _, mode := range []embedding.Mode{embedding.ModeNearest, embedding.ModePredicted, embedding.ModeBoth} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode, embedding.Vector{3, 0, 0}, 0.95, 0.02, 0.02, 0.01)

			dec, err := f.pipeline.Evaluate(leafy())
			if err != nil {
				t.Fatalf("expected a decision, got error: %v", err)
			}
			if !dec.Accepted() || dec.Label != "A" {
				t.Fatalf("expected accept A with the gate skipped, got %s (%s)", dec.Outcome, dec.Cause)
			}
			if len(dec.Diagnostics.Embedding) != 0 {
				t.Fatalf("expected no embedding checks, got %+v", dec.Diagnostics.Embedding)
			}
			if f.embedder.calls != 1 {
				t.Fatalf("expected a single embedding attempt, got %d", f.embedder.calls)
			}
		})
	}
}

func TestNewLogsCalibration(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	New(
		contentfilter.New(contentfilter.DefaultThresholds()),
		embedding.NewDetector(nil, nil, embedding.DefaultThresholds()),
		inference.NewEngine(&stubClassifier{labels: []string{"A"}}, 1.0),
		uncertainty.NewScorer(uncertainty.DefaultThresholds()),
		inference.DefaultSettings(),
		zap.New(core),
	)

	entries := logs.FilterMessage("calibration loaded").All()
	if len(entries) != 1 {
		t.Fatalf("expected one calibration entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if _, ok := ctx["content_thresholds"]; !ok {
		t.Fatalf("expected content thresholds, got %v", ctx)
	}
	if _, ok := ctx["decision_thresholds"]; !ok {
		t.Fatalf("expected decision thresholds, got %v", ctx)
	}
}
