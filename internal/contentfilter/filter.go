// Package contentfilter decides from raw pixels whether an image could plausibly
// show a leaf at all. It is the cheapest gate and runs first.
package contentfilter

import (
	"math"

	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/verdict"
)

// Pixel mask parameters. Channels are scaled to [0,1].
const (
	greenDominance = 1.05
	greenMinimum   = 0.15

	yellowMinimum   = 0.35
	yellowBlueRatio = 0.75
	yellowBalance   = 0.25

	blueDominanceRed   = 1.10
	blueDominanceGreen = 1.05
	blueMinimum        = 0.20

	brightGreenDominance = 1.30
	brightGreenMinimum   = 0.55
)

// Thresholds bound the ContentMetrics of a plausible leaf image.
type Thresholds struct {
	MinGreenRatio       float64 `yaml:"min_green_ratio"`
	MaxGreenRatio       float64 `yaml:"max_green_ratio"`
	MaxBlueRatio        float64 `yaml:"max_blue_ratio"`
	MinColorVariance    float64 `yaml:"min_color_variance"`
	MinBrightnessStd    float64 `yaml:"min_brightness_std"`
	MaxBrightGreenRatio float64 `yaml:"max_bright_green_ratio"`
	MaxBrightnessMean   float64 `yaml:"max_brightness_mean"`
}

// DefaultThresholds returns the production bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinGreenRatio:       0.03,
		MaxGreenRatio:       0.95,
		MaxBlueRatio:        0.30,
		MinColorVariance:    0.002,
		MinBrightnessStd:    0.03,
		MaxBrightGreenRatio: 0.60,
		MaxBrightnessMean:   0.90,
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Passed  bool
	Metrics verdict.ContentMetrics
	Cause   verdict.Cause
	Failed  *verdict.Check
}

// Filter evaluates images against a fixed set of thresholds.
type Filter struct {
	thresholds Thresholds
}

// New builds a filter.
func New(thresholds Thresholds) *Filter {
	return &Filter{thresholds: thresholds}
}

// Thresholds returns the configured bounds.
func (f *Filter) Thresholds() Thresholds {
	return f.thresholds
}

// Evaluate measures img and applies the pass rule. When several checks fail,
// the cause reported is the first one in priority order.
func (f *Filter) Evaluate(img imaging.Image) Result {
	metrics := Measure(img)
	th := f.thresholds

	checks := []struct {
		failed    bool
		cause     verdict.Cause
		name      string
		value     float64
		threshold float64
	}{
		{metrics.GreenRatio < th.MinGreenRatio, verdict.CauseInsufficientGreen, "min_green_ratio", metrics.GreenRatio, th.MinGreenRatio},
		{metrics.BlueRatio >= th.MaxBlueRatio, verdict.CauseExcessiveBlue, "max_blue_ratio", metrics.BlueRatio, th.MaxBlueRatio},
		{metrics.ColorVariance <= th.MinColorVariance, verdict.CauseInsufficientTexture, "min_color_variance", metrics.ColorVariance, th.MinColorVariance},
		{metrics.BrightnessStd <= th.MinBrightnessStd, verdict.CauseInsufficientTexture, "min_brightness_std", metrics.BrightnessStd, th.MinBrightnessStd},
		// a frame saturated with green is treated like a foreign colour profile
		{metrics.GreenRatio > th.MaxGreenRatio, verdict.CauseExcessiveBrightGreen, "max_green_ratio", metrics.GreenRatio, th.MaxGreenRatio},
		{metrics.BrightGreenRatio >= th.MaxBrightGreenRatio, verdict.CauseExcessiveBrightGreen, "max_bright_green_ratio", metrics.BrightGreenRatio, th.MaxBrightGreenRatio},
		{metrics.BrightnessMean >= th.MaxBrightnessMean, verdict.CauseExcessiveBrightness, "max_brightness_mean", metrics.BrightnessMean, th.MaxBrightnessMean},
	}

	for _, c := range checks {
		if c.failed {
			return Result{
				Metrics: metrics,
				Cause:   c.cause,
				Failed:  &verdict.Check{Name: c.name, Value: c.value, Threshold: c.threshold},
			}
		}
	}
	return Result{Passed: true, Metrics: metrics}
}

// Measure computes the ContentMetrics of img. It is a pure function.
func Measure(img imaging.Image) verdict.ContentMetrics {
	var (
		total                            float64
		green, yellow, blue, brightGreen float64
		channel, brightness              running
	)

	img.Each(func(r, g, b float64) {
		total++

		isGreen := g > r*greenDominance && g > b*greenDominance && g > greenMinimum
		if isGreen {
			green++
		}
		if isGreen && g > brightGreenMinimum && g > r*brightGreenDominance && g > b*brightGreenDominance {
			brightGreen++
		}
		if r > yellowMinimum && g > yellowMinimum &&
			b < yellowBlueRatio*math.Min(r, g) &&
			math.Abs(r-g) < yellowBalance*math.Max(r, g) {
			yellow++
		}
		if b > r*blueDominanceRed && b > g*blueDominanceGreen && b > blueMinimum {
			blue++
		}

		channel.add(r)
		channel.add(g)
		channel.add(b)
		brightness.add((r + g + b) / 3)
	})

	if total == 0 {
		return verdict.ContentMetrics{}
	}

	return verdict.ContentMetrics{
		GreenRatio:       green / total,
		YellowRatio:      yellow / total,
		BlueRatio:        blue / total,
		BrightGreenRatio: brightGreen / total,
		ColorVariance:    channel.variance(),
		BrightnessMean:   brightness.mean,
		BrightnessStd:    math.Sqrt(brightness.variance()),
	}
}

// running accumulates mean and variance with Welford's update, which stays
// exactly 0 for a constant series.
type running struct {
	n, mean, m2 float64
}

func (w *running) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / w.n
	w.m2 += delta * (x - w.mean)
}

// variance is the population variance.
func (w *running) variance() float64 {
	if w.n == 0 {
		return 0
	}
	return w.m2 / w.n
}
