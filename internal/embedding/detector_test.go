package embedding

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/leafcheck/internal/imaging"
)

type stubEmbedder struct {
	vec   Vector
	err   error
	calls int
}

func (s *stubEmbedder) Embed(img imaging.Image) (Vector, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(map[string][]float64{
		"A":         {0, 0},
		"B":         {10, 0},
		"Leaf Spot": {0, 10},
	})
	if err != nil {
		t.Fatalf("failed to build table: %v", err)
	}
	return table
}

func TestDistance(t *testing.T) {
	d, err := Distance(Vector{0, 0}, Vector{3, 4})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d != 5 {
		t.Fatalf("expected 5, got %f", d)
	}
	if _, err := Distance(Vector{1}, Vector{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestNewTableNormalizesAndValidates(t *testing.T) {
	table := testTable(t)
	if _, ok := table.Lookup("leaf_spot"); !ok {
		t.Fatal("expected normalized label to be found")
	}
	if _, ok := table.Lookup("Leaf Spot"); !ok {
		t.Fatal("expected lookup to normalize its argument")
	}
	if table.Dim() != 2 {
		t.Fatalf("expected dim 2, got %d", table.Dim())
	}

	if _, err := NewTable(map[string][]float64{"a": {1, 2}, "b": {1}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension error, got %v", err)
	}
	if _, err := NewTable(map[string][]float64{"a": {}}); err == nil {
		t.Fatal("expected error for empty centroid")
	}
}

func TestDetectorDisabledWithoutCentroids(t *testing.T) {
	emb := &stubEmbedder{vec: Vector{0, 0}}

	tests := []struct {
		name     string
		detector *Detector
	}{
		{"nil detector", nil},
		{"nil table", NewDetector(emb, nil, DefaultThresholds())},
		{"empty table", NewDetector(emb, &Table{}, DefaultThresholds())},
		{"nil embedder", NewDetector(nil, testTable(t), DefaultThresholds())},
		{"mode off", NewDetector(emb, testTable(t), Thresholds{Mode: ModeOff, Global: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.detector.Enabled() {
				t.Fatal("expected gate to be disabled")
			}
			if tt.detector.Mode() != ModeOff {
				t.Fatalf("expected mode off, got %s", tt.detector.Mode())
			}
		})
	}
}

func TestNearestModeUsesGlobalThreshold(t *testing.T) {
	emb := &stubEmbedder{vec: Vector{9, 0}}
	d := NewDetector(emb, testTable(t), Thresholds{Mode: ModeNearest, Global: 2, PerClass: map[string]float64{"b": 0.5}})

	res, err := d.Evaluate(imaging.Uniform(2, 0, 0, 0), "")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.NearestLabel != "b" || math.Abs(res.Distance-1) > 1e-9 {
		t.Fatalf("unexpected nearest result: %+v", res)
	}
	if !res.WithinBounds || res.Threshold != 2 {
		t.Fatalf("expected global threshold 2 to apply, got %+v", res)
	}
}

func TestPredictedClassModeUsesPerClassThreshold(t *testing.T) {
	th := Thresholds{Mode: ModePredicted, Global: 100, PerClass: map[string]float64{"A": 8}}

	tests := []struct {
		name      string
		vec       Vector
		label     string
		within    bool
		distance  float64
		threshold float64
	}{
		{"close to predicted centroid", Vector{3, 0}, "A", true, 3, 8},
		{"far from predicted centroid", Vector{0, 12}, "A", false, 12, 8},
		{"falls back to global threshold", Vector{10, 50}, "B", true, 50, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&stubEmbedder{vec: tt.vec}, testTable(t), th)
			res, err := d.Evaluate(imaging.Uniform(2, 0, 0, 0), tt.label)
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if res.WithinBounds != tt.within {
				t.Fatalf("expected within=%v, got %+v", tt.within, res)
			}
			if math.Abs(res.Distance-tt.distance) > 1e-9 || res.Threshold != tt.threshold {
				t.Fatalf("expected distance %f threshold %f, got %+v", tt.distance, tt.threshold, res)
			}
		})
	}
}

func TestPredictedClassWithoutCentroidIsSkipped(t *testing.T) {
	d := NewDetector(&stubEmbedder{vec: Vector{0, 0}}, testTable(t), DefaultThresholds())
	res, err := d.Evaluate(imaging.Uniform(2, 0, 0, 0), "unknown")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !res.Skipped || !res.WithinBounds {
		t.Fatalf("expected skipped comparison, got %+v", res)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	d := NewDetector(&stubEmbedder{vec: Vector{1, 2, 3}}, testTable(t), DefaultThresholds())
	if _, err := d.Embed(imaging.Uniform(2, 0, 0, 0)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "centroids.json")
	if err := os.WriteFile(path, []byte(`{"Common Rust":[1,2,3],"healthy":[0,0,0]}`), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 centroids, got %d", table.Len())
	}
	if _, ok := table.Lookup("common_rust"); !ok {
		t.Fatal("expected normalized key common_rust")
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
