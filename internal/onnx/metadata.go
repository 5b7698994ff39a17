// Package onnx adapts onnxruntime sessions to the classifier and embedder
// collaborators used by the admission pipeline.
package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/example/leafcheck/internal/imaging"
)

// Metadata describes one exported model.
type Metadata struct {
	InputShape  []int64        `json:"input_shape"`
	OutputShape []int64        `json:"output_shape"`
	Classes     []string       `json:"classes,omitempty"`
	ImageSize   int            `json:"image_size"`
	Layout      imaging.Layout `json:"layout,omitempty"`
	InputName   string         `json:"input_name,omitempty"`
	OutputName  string         `json:"output_name,omitempty"`
}

// LoadMetadata reads and validates a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.ImageSize == 0 {
		m.ImageSize = imaging.DefaultSize
	}
	if m.Layout == "" {
		m.Layout = imaging.LayoutCHW
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
}

// Validate checks that the shapes describe a single-image RGB model.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("onnx: input shape %v must have four dimensions", m.InputShape)
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("onnx: input batch dimension must be 1, got %d", m.InputShape[0])
	}
	if want := int64(3 * m.ImageSize * m.ImageSize); m.InputElements() != want {
		return fmt.Errorf("onnx: input shape %v does not hold a %dx%d RGB image", m.InputShape, m.ImageSize, m.ImageSize)
	}
	if m.Layout != imaging.LayoutCHW && m.Layout != imaging.LayoutHWC {
		return fmt.Errorf("onnx: unknown layout %q", m.Layout)
	}
	if len(m.OutputShape) == 0 || m.OutputElements() <= 0 {
		return errors.New("onnx: output shape is empty")
	}
	if len(m.Classes) > 0 && int64(len(m.Classes)) != m.OutputElements() {
		return fmt.Errorf("onnx: %d classes for %d outputs", len(m.Classes), m.OutputElements())
	}
	return nil
}

// InputElements is the number of values fed to the model per run.
func (m Metadata) InputElements() int64 {
	return product(m.InputShape)
}

// OutputElements is the number of values produced per run.
func (m Metadata) OutputElements() int64 {
	return product(m.OutputShape)
}

func product(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
