// Package embedding implements the novelty gate: an image is projected into
// embedding space and compared against per-class centroids.
package embedding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// Vector is a fixed-length embedding.
type Vector []float64

// ErrDimensionMismatch is returned when two vectors cannot be compared.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// NormalizeLabel maps a class name onto the key used by centroid tables and
// threshold maps: lower case, spaces replaced by underscores.
func NormalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}

// Table is the read-only set of class centroids loaded at startup.
type Table struct {
	labels  []string
	vectors map[string]Vector
	dim     int
}

// NewTable validates and copies the given centroids.
func NewTable(centroids map[string][]float64) (*Table, error) {
	t := &Table{vectors: make(map[string]Vector, len(centroids))}
	for label, vec := range centroids {
		key := NormalizeLabel(label)
		if key == "" {
			return nil, errors.New("embedding: centroid with empty label")
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding: centroid %q is empty", key)
		}
		if t.dim == 0 {
			t.dim = len(vec)
		} else if len(vec) != t.dim {
			return nil, fmt.Errorf("%w: centroid %q has %d values, expected %d", ErrDimensionMismatch, key, len(vec), t.dim)
		}
		if _, dup := t.vectors[key]; dup {
			return nil, fmt.Errorf("embedding: duplicate centroid %q", key)
		}
		t.vectors[key] = append(Vector(nil), vec...)
		t.labels = append(t.labels, key)
	}
	sort.Strings(t.labels)
	return t, nil
}

// Len returns the number of centroids. A nil table is empty.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.labels)
}

// Dim returns the embedding dimension.
func (t *Table) Dim() int {
	if t == nil {
		return 0
	}
	return t.dim
}

// Labels returns the normalized labels in sorted order.
func (t *Table) Labels() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.labels...)
}

// Lookup returns the centroid for a label.
func (t *Table) Lookup(label string) (Vector, bool) {
	if t == nil {
		return nil, false
	}
	vec, ok := t.vectors[NormalizeLabel(label)]
	return vec, ok
}

// Nearest returns the label and distance of the closest centroid. Ties are
// resolved by label order.
func (t *Table) Nearest(vec Vector) (string, float64, error) {
	if t.Len() == 0 {
		return "", 0, errors.New("embedding: empty centroid table")
	}
	best, bestDist := "", math.Inf(1)
	for _, label := range t.labels {
		d, err := Distance(vec, t.vectors[label])
		if err != nil {
			return "", 0, err
		}
		if d < bestDist {
			best, bestDist = label, d
		}
	}
	return best, bestDist, nil
}

// LoadFile reads a JSON object mapping class labels to centroid vectors.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read centroids: %w", err)
	}
	var raw map[string][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse centroids: %w", err)
	}
	return NewTable(raw)
}
