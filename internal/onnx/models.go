package onnx

import (
	"errors"
	"fmt"

	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/imaging"
)

// runner is the part of Session the model adapters need.
type runner interface {
	Run(input []float32) ([]float32, error)
}

// Classifier produces per-class logits with a classification model.
type Classifier struct {
	runner runner
	meta   Metadata
}

// NewClassifier wraps a session whose metadata lists the class labels.
func NewClassifier(s *Session) (*Classifier, error) {
	return newClassifier(s, s.Metadata)
}

func newClassifier(r runner, meta Metadata) (*Classifier, error) {
	if len(meta.Classes) == 0 {
		return nil, errors.New("onnx: classifier metadata lists no classes")
	}
	return &Classifier{runner: r, meta: meta}, nil
}

// Labels returns the class labels in output order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.meta.Classes...)
}

// ImageSize is the side length the model expects.
func (c *Classifier) ImageSize() int {
	return c.meta.ImageSize
}

// Classify runs the model once per image.
func (c *Classifier) Classify(batch []imaging.Image) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, img := range batch {
		if img.Size() != c.meta.ImageSize {
			return nil, fmt.Errorf("onnx: image is %dpx, classifier expects %dpx", img.Size(), c.meta.ImageSize)
		}
		logits, err := c.runner.Run(img.Tensor(c.meta.Layout))
		if err != nil {
			return nil, err
		}
		out[i] = logits
	}
	return out, nil
}

// Embedder produces feature vectors with an embedding model.
type Embedder struct {
	runner runner
	meta   Metadata
}

// NewEmbedder wraps an embedding session.
func NewEmbedder(s *Session) *Embedder {
	return &Embedder{runner: s, meta: s.Metadata}
}

// Dim is the length of every vector Embed returns.
func (e *Embedder) Dim() int {
	return int(e.meta.OutputElements())
}

// ImageSize is the side length the model expects.
func (e *Embedder) ImageSize() int {
	return e.meta.ImageSize
}

// Embed runs the model and widens the output to float64.
func (e *Embedder) Embed(img imaging.Image) (embedding.Vector, error) {
	if img.Size() != e.meta.ImageSize {
		return nil, fmt.Errorf("onnx: image is %dpx, embedder expects %dpx", img.Size(), e.meta.ImageSize)
	}
	raw, err := e.runner.Run(img.Tensor(e.meta.Layout))
	if err != nil {
		return nil, err
	}
	vec := make(embedding.Vector, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}
