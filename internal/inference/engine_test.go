package inference

import (
	"errors"
	"math"
	"testing"

	"github.com/example/leafcheck/internal/imaging"
)

// meanClassifier derives logits from the mean colour of each variant.
type meanClassifier struct {
	labels  []string
	batches [][]imaging.Image
	err     error
}

func (m *meanClassifier) Labels() []string { return m.labels }

func (m *meanClassifier) Classify(batch []imaging.Image) ([][]float32, error) {
	m.batches = append(m.batches, batch)
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(batch))
	for i, img := range batch {
		var r, g, b float64
		img.Each(func(pr, pg, pb float64) {
			r += pr
			g += pg
			b += pb
		})
		n := float64(img.Size() * img.Size())
		out[i] = []float32{float32(3 * r / n), float32(3 * g / n), float32(3 * b / n)}
	}
	return out, nil
}

type fixedClassifier struct {
	labels []string
	rows   [][]float32
}

func (f *fixedClassifier) Labels() []string { return f.labels }

func (f *fixedClassifier) Classify(batch []imaging.Image) ([][]float32, error) {
	return f.rows, nil
}

func entropy(p []float64) float64 {
	var h float64
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

func TestSoftmaxSumsToOne(t *testing.T) {
	for _, logits := range [][]float32{{1, 2, 3}, {0, 0}, {-5, 10, 2, 7}, {42}} {
		probs := Softmax(logits, 1.0)
		var sum float64
		for _, p := range probs {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("logits %v: expected sum 1, got %f", logits, sum)
		}
	}
}

func TestSoftmaxHandlesLargeLogits(t *testing.T) {
	probs := Softmax([]float32{1000, 999, -1000}, 1.0)
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("probability %d is not finite: %f", i, p)
		}
	}
	if probs[0] <= probs[1] || probs[2] > 1e-12 {
		t.Fatalf("unexpected probabilities: %v", probs)
	}
}

func TestTemperatureFlattensDistribution(t *testing.T) {
	logits := []float32{2.0, 1.0, 0.5, -1.0}
	prev := -1.0
	for _, temp := range []float64{0.25, 0.5, 1, 2, 4, 8} {
		h := entropy(Softmax(logits, temp)) / math.Log(float64(len(logits)))
		if h <= prev {
			t.Fatalf("temperature %.2f: normalized entropy %f did not increase from %f", temp, h, prev)
		}
		prev = h
	}
}

func TestSoftmaxNonPositiveTemperature(t *testing.T) {
	want := Softmax([]float32{1, 2}, 1)
	got := Softmax([]float32{1, 2}, 0)
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("expected temperature 0 to behave like 1: %v vs %v", got, want)
		}
	}
}

func TestPredictAveragesVariants(t *testing.T) {
	c := &fixedClassifier{
		labels: []string{"a", "b"},
		rows:   [][]float32{{0, 0}, {10, -10}},
	}
	dist, err := NewEngine(c, 1.0).Predict(imaging.Uniform(4, 10, 10, 10), 2)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	first := Softmax([]float32{0, 0}, 1)
	second := Softmax([]float32{10, -10}, 1)
	want := (first[0] + second[0]) / 2
	if math.Abs(dist.Probs[0]-want) > 1e-12 {
		t.Fatalf("expected %f, got %f", want, dist.Probs[0])
	}
	if math.Abs(dist.Sum()-1) > 1e-4 {
		t.Fatalf("expected probabilities to sum to 1, got %f", dist.Sum())
	}
	if dist.Map()["b"] != dist.Probs[1] {
		t.Fatalf("map does not match probabilities: %v", dist.Map())
	}
}

func TestPredictWrapsTransformsCyclically(t *testing.T) {
	img := imaging.New(8, func(x, y int) (uint8, uint8, uint8) {
		return uint8(x * 30), uint8(y * 30), 100
	})
	c := &meanClassifier{labels: []string{"r", "g", "b"}}

	if _, err := NewEngine(c, 1.0).Predict(img, 7); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	batch := c.batches[0]
	if len(batch) != 7 {
		t.Fatalf("expected 7 variants, got %d", len(batch))
	}
	for _, pair := range [][2]int{{0, 5}, {1, 6}} {
		a, b := batch[pair[0]], batch[pair[1]]
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				ar, ag, ab := a.RGB(x, y)
				br, bg, bb := b.RGB(x, y)
				if ar != br || ag != bg || ab != bb {
					t.Fatalf("variant %d differs from variant %d at (%d,%d)", pair[1], pair[0], x, y)
				}
			}
		}
	}
	flipped, _, _ := batch[1].RGB(0, 0)
	orig, _, _ := img.RGB(7, 0)
	if flipped != orig {
		t.Fatalf("expected second variant to be mirrored")
	}
}

func TestPredictSinglePassWhenCountNotPositive(t *testing.T) {
	c := &meanClassifier{labels: []string{"r", "g", "b"}}
	if _, err := NewEngine(c, 1.0).Predict(imaging.Uniform(4, 1, 2, 3), 0); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(c.batches[0]) != 1 {
		t.Fatalf("expected a single pass, got %d", len(c.batches[0]))
	}
}

func TestPredictOrderIndependent(t *testing.T) {
	img := imaging.Uniform(32, 80, 160, 60)
	labels := []string{"r", "g", "b"}

	forward := NewEngine(&meanClassifier{labels: labels}, 1.0)
	ts := imaging.DefaultTransforms()
	reversed := make([]imaging.Transform, len(ts))
	for i, tr := range ts {
		reversed[len(ts)-1-i] = tr
	}
	backward := NewEngine(&meanClassifier{labels: labels}, 1.0, WithTransforms(reversed))

	a, err := forward.Predict(img, 5)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	b, err := backward.Predict(img, 5)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	for i := range a.Probs {
		if math.Abs(a.Probs[i]-b.Probs[i]) > 1e-9 {
			t.Fatalf("class %s: %f vs %f", a.Labels[i], a.Probs[i], b.Probs[i])
		}
	}
	if math.Abs(a.Sum()-1) > 1e-4 {
		t.Fatalf("expected probabilities to sum to 1, got %f", a.Sum())
	}
}

func TestPredictRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		rows [][]float32
	}{
		{"missing rows", nil},
		{"wrong width", [][]float32{{1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fixedClassifier{labels: []string{"a", "b"}, rows: tt.rows}
			_, err := NewEngine(c, 1.0).Predict(imaging.Uniform(4, 0, 0, 0), 1)
			if !errors.Is(err, ErrOutputShape) {
				t.Fatalf("expected ErrOutputShape, got %v", err)
			}
		})
	}
}

func TestPredictPropagatesClassifierError(t *testing.T) {
	boom := errors.New("runtime failure")
	c := &meanClassifier{labels: []string{"a"}, err: boom}
	if _, err := NewEngine(c, 1.0).Predict(imaging.Uniform(4, 0, 0, 0), 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped runtime error, got %v", err)
	}
}

func TestSettingsPasses(t *testing.T) {
	tests := []struct {
		settings Settings
		want     int
	}{
		{DefaultSettings(), 5},
		{Settings{Enabled: false, Transforms: 5}, 1},
		{Settings{Enabled: true, Transforms: 0}, 1},
		{Settings{Enabled: true, Transforms: 8}, 8},
	}
	for _, tt := range tests {
		if got := tt.settings.Passes(); got != tt.want {
			t.Fatalf("%+v: expected %d passes, got %d", tt.settings, tt.want, got)
		}
	}
}
