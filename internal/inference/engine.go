package inference

import (
	"errors"
	"fmt"

	"github.com/example/leafcheck/internal/imaging"
)

// ErrOutputShape is returned when the classifier output does not match the
// batch or the label set.
var ErrOutputShape = errors.New("inference: unexpected classifier output shape")

// Classifier maps a batch of normalized images to raw per-class logits, one
// row per image.
type Classifier interface {
	Labels() []string
	Classify(batch []imaging.Image) ([][]float32, error)
}

// Settings controls test-time augmentation and calibration.
type Settings struct {
	Enabled     bool    `yaml:"enabled"`
	Transforms  int     `yaml:"transforms"`
	Temperature float64 `yaml:"temperature"`
}

// DefaultSettings enables five-way augmentation with an identity temperature.
func DefaultSettings() Settings {
	return Settings{Enabled: true, Transforms: 5, Temperature: 1.0}
}

// Passes returns how many variants each image is classified under.
func (s Settings) Passes() int {
	if !s.Enabled || s.Transforms < 1 {
		return 1
	}
	return s.Transforms
}

// Engine runs the ensemble. It holds no per-image state and is safe for
// concurrent use when the classifier is.
type Engine struct {
	classifier  Classifier
	transforms  []imaging.Transform
	temperature float64
}

// Option customises an Engine.
type Option func(*Engine)

// WithTransforms replaces the ordered transform list.
func WithTransforms(transforms []imaging.Transform) Option {
	return func(e *Engine) {
		if len(transforms) > 0 {
			e.transforms = append([]imaging.Transform(nil), transforms...)
		}
	}
}

// NewEngine builds an engine around a classifier.
func NewEngine(classifier Classifier, temperature float64, opts ...Option) *Engine {
	e := &Engine{
		classifier:  classifier,
		transforms:  imaging.DefaultTransforms(),
		temperature: temperature,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Labels returns the classifier's label order.
func (e *Engine) Labels() []string {
	return e.classifier.Labels()
}

// Variants applies the first count transforms to img, wrapping around the
// transform list when count exceeds its length.
func (e *Engine) Variants(img imaging.Image, count int) []imaging.Image {
	if count < 1 {
		count = 1
	}
	out := make([]imaging.Image, count)
	for i := range out {
		out[i] = e.transforms[i%len(e.transforms)].Apply(img)
	}
	return out
}

// Predict classifies count variants of img and averages their
// temperature-scaled softmax outputs.
func (e *Engine) Predict(img imaging.Image, count int) (Distribution, error) {
	labels := e.classifier.Labels()
	if len(labels) == 0 {
		return Distribution{}, errors.New("inference: classifier has no labels")
	}

	variants := e.Variants(img, count)
	logits, err := e.classifier.Classify(variants)
	if err != nil {
		return Distribution{}, fmt.Errorf("classify: %w", err)
	}
	if len(logits) != len(variants) {
		return Distribution{}, fmt.Errorf("%w: %d rows for %d variants", ErrOutputShape, len(logits), len(variants))
	}

	probs := make([][]float64, len(logits))
	for i, row := range logits {
		if len(row) != len(labels) {
			return Distribution{}, fmt.Errorf("%w: %d logits for %d labels", ErrOutputShape, len(row), len(labels))
		}
		probs[i] = Softmax(row, e.temperature)
	}

	return Distribution{
		Labels: append([]string(nil), labels...),
		Probs:  Mean(probs),
	}, nil
}
