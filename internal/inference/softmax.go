// Package inference turns classifier logits into a calibrated class
// distribution, optionally averaging over augmented variants of the input.
package inference

import "math"

// Distribution is an ordered mapping from class label to probability.
type Distribution struct {
	Labels []string
	Probs  []float64
}

// Len returns the number of classes.
func (d Distribution) Len() int {
	return len(d.Probs)
}

// Sum returns the total probability mass.
func (d Distribution) Sum() float64 {
	var s float64
	for _, p := range d.Probs {
		s += p
	}
	return s
}

// Map returns the distribution keyed by label.
func (d Distribution) Map() map[string]float64 {
	out := make(map[string]float64, len(d.Probs))
	for i, p := range d.Probs {
		if i < len(d.Labels) {
			out[d.Labels[i]] = p
		}
	}
	return out
}

// Softmax converts logits into probabilities after dividing by temperature.
// The maximum scaled logit is subtracted before exponentiating so large
// logits cannot overflow. A non-positive temperature is treated as 1.
func Softmax(logits []float32, temperature float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	if temperature <= 0 {
		temperature = 1
	}

	scaled := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}

	var sum float64
	for i, v := range scaled {
		scaled[i] = math.Exp(v - maxVal)
		sum += scaled[i]
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

// Mean averages equal-length probability vectors element-wise.
func Mean(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float64, len(vectors[0]))
	for _, vec := range vectors {
		for i := range out {
			out[i] += vec[i]
		}
	}
	n := float64(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}
