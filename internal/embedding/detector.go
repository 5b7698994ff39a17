package embedding

import (
	"fmt"

	"github.com/example/leafcheck/internal/imaging"
)

// Embedder maps a normalized image onto a fixed-length vector.
type Embedder interface {
	Embed(img imaging.Image) (Vector, error)
}

// Mode selects where the novelty gate runs relative to classification.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeNearest   Mode = "nearest"
	ModePredicted Mode = "predicted"
	ModeBoth      Mode = "both"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOff, ModeNearest, ModePredicted, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("embedding: unknown mode %q", s)
	}
}

// BeforeClassification reports whether the nearest-centroid check runs.
func (m Mode) BeforeClassification() bool {
	return m == ModeNearest || m == ModeBoth
}

// AfterClassification reports whether the predicted-class check runs.
func (m Mode) AfterClassification() bool {
	return m == ModePredicted || m == ModeBoth
}

// Thresholds configures the distance limits.
type Thresholds struct {
	Mode     Mode               `yaml:"mode"`
	Global   float64            `yaml:"global_threshold"`
	PerClass map[string]float64 `yaml:"class_thresholds"`
}

// DefaultThresholds returns the 95th-percentile validation distances measured
// for the corn disease model.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Mode:   ModePredicted,
		Global: 28.0,
		PerClass: map[string]float64{
			"blight":         24.7598,
			"common_rust":    30.0,
			"gray_leaf_spot": 24.1110,
			"healthy":        20.6033,
		},
	}
}

// For returns the threshold applied to label, falling back to the global one.
func (t Thresholds) For(label string) float64 {
	if v, ok := t.PerClass[NormalizeLabel(label)]; ok {
		return v
	}
	return t.Global
}

// Result reports one distance comparison.
type Result struct {
	WithinBounds  bool
	Distance      float64
	Threshold     float64
	NearestLabel  string
	ComparedLabel string
	// Skipped is set when the predicted label has no centroid.
	Skipped bool
}

// Detector compares embeddings against the centroid table. The table and the
// embedder are shared read-only across goroutines.
type Detector struct {
	embedder   Embedder
	table      *Table
	thresholds Thresholds
}

// NewDetector builds a detector. A nil embedder or an empty table yields a
// detector whose gate is disabled.
func NewDetector(embedder Embedder, table *Table, thresholds Thresholds) *Detector {
	if thresholds.PerClass != nil {
		normalized := make(map[string]float64, len(thresholds.PerClass))
		for label, v := range thresholds.PerClass {
			normalized[NormalizeLabel(label)] = v
		}
		thresholds.PerClass = normalized
	}
	return &Detector{embedder: embedder, table: table, thresholds: thresholds}
}

// Enabled reports whether the gate takes part in admission.
func (d *Detector) Enabled() bool {
	return d != nil && d.embedder != nil && d.table.Len() > 0 && d.thresholds.Mode != ModeOff && d.thresholds.Mode != ""
}

// Mode returns the configured mode.
func (d *Detector) Mode() Mode {
	if !d.Enabled() {
		return ModeOff
	}
	return d.thresholds.Mode
}

// Embed projects img into embedding space.
func (d *Detector) Embed(img imaging.Image) (Vector, error) {
	vec, err := d.embedder.Embed(img)
	if err != nil {
		return nil, fmt.Errorf("embed image: %w", err)
	}
	if len(vec) != d.table.Dim() {
		return nil, fmt.Errorf("%w: embedding has %d values, centroids have %d", ErrDimensionMismatch, len(vec), d.table.Dim())
	}
	return vec, nil
}

// Nearest compares vec with the closest centroid against the global threshold.
func (d *Detector) Nearest(vec Vector) (Result, error) {
	label, dist, err := d.table.Nearest(vec)
	if err != nil {
		return Result{}, err
	}
	return Result{
		WithinBounds:  dist <= d.thresholds.Global,
		Distance:      dist,
		Threshold:     d.thresholds.Global,
		NearestLabel:  label,
		ComparedLabel: label,
	}, nil
}

// PredictedClass compares vec with the centroid of the label the classifier
// predicted, using that class's threshold.
func (d *Detector) PredictedClass(vec Vector, label string) (Result, error) {
	nearest, _, err := d.table.Nearest(vec)
	if err != nil {
		return Result{}, err
	}
	key := NormalizeLabel(label)
	centroid, ok := d.table.Lookup(key)
	if !ok {
		return Result{WithinBounds: true, Skipped: true, NearestLabel: nearest, ComparedLabel: key}, nil
	}
	dist, err := Distance(vec, centroid)
	if err != nil {
		return Result{}, err
	}
	threshold := d.thresholds.For(key)
	return Result{
		WithinBounds:  dist <= threshold,
		Distance:      dist,
		Threshold:     threshold,
		NearestLabel:  nearest,
		ComparedLabel: key,
	}, nil
}

// Evaluate embeds img and runs the nearest-centroid check when predictedLabel
// is empty, or the predicted-class check otherwise.
func (d *Detector) Evaluate(img imaging.Image, predictedLabel string) (Result, error) {
	vec, err := d.Embed(img)
	if err != nil {
		return Result{}, err
	}
	if predictedLabel == "" {
		return d.Nearest(vec)
	}
	return d.PredictedClass(vec, predictedLabel)
}
