// Package verdict holds the records produced by the admission pipeline: the
// terminal decision for one image plus the diagnostics gathered on the way.
package verdict

// Outcome is the terminal state of one admission run.
type Outcome string

const (
	OutcomeAccept    Outcome = "accept"
	OutcomeReject    Outcome = "reject"
	OutcomeUncertain Outcome = "uncertain"
)

// Cause identifies why an image was rejected.
type Cause string

const (
	CauseNone                 Cause = ""
	CauseInsufficientGreen    Cause = "insufficient_plant_material"
	CauseExcessiveBlue        Cause = "excessive_blue_content"
	CauseInsufficientTexture  Cause = "insufficient_texture"
	CauseExcessiveBrightGreen Cause = "excessive_bright_green"
	CauseExcessiveBrightness  Cause = "excessive_brightness"
	CauseNovelImage           Cause = "out_of_distribution"
	CauseNovelForClass        Cause = "out_of_distribution_for_class"
	CauseAmbiguousClass       Cause = "ambiguous_class"
)

var causeMessages = map[Cause]string{
	CauseInsufficientGreen:    "insufficient plant material",
	CauseExcessiveBlue:        "excessive blue content (sky or water background)",
	CauseInsufficientTexture:  "insufficient texture (image is flat or blurred)",
	CauseExcessiveBrightGreen: "colour profile does not match the expected leaf",
	CauseExcessiveBrightness:  "image is overexposed",
	CauseNovelImage:           "novel/out-of-distribution image",
	CauseNovelForClass:        "novel/out-of-distribution for predicted class",
	CauseAmbiguousClass:       "unable to disambiguate species/class",
}

// Message returns the user-facing description of the cause.
func (c Cause) Message() string {
	if msg, ok := causeMessages[c]; ok {
		return msg
	}
	return string(c)
}

// Uncertainty flags recorded on Uncertain decisions.
const (
	FlagLowConfidence   = "low_confidence"
	FlagLowMargin       = "low_margin"
	FlagHighUncertainty = "high_uncertainty"
)

// ContentMetrics are the raw-pixel statistics of one normalized image.
type ContentMetrics struct {
	GreenRatio       float64 `json:"green_ratio" yaml:"green_ratio"`
	YellowRatio      float64 `json:"yellow_ratio" yaml:"yellow_ratio"`
	BlueRatio        float64 `json:"blue_ratio" yaml:"blue_ratio"`
	BrightGreenRatio float64 `json:"bright_green_ratio" yaml:"bright_green_ratio"`
	ColorVariance    float64 `json:"color_variance" yaml:"color_variance"`
	BrightnessMean   float64 `json:"brightness_mean" yaml:"brightness_mean"`
	BrightnessStd    float64 `json:"brightness_std" yaml:"brightness_std"`
}

// Check names one threshold comparison that failed.
type Check struct {
	Name      string  `json:"name" yaml:"name"`
	Value     float64 `json:"value" yaml:"value"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// EmbeddingCheck records one distance comparison against the centroid table.
type EmbeddingCheck struct {
	Mode          string  `json:"mode" yaml:"mode"`
	ComparedLabel string  `json:"compared_label" yaml:"compared_label"`
	NearestLabel  string  `json:"nearest_label" yaml:"nearest_label"`
	Distance      float64 `json:"distance" yaml:"distance"`
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	WithinBounds  bool    `json:"within_bounds" yaml:"within_bounds"`
}

// UncertaintyMetrics summarise a class-probability distribution.
type UncertaintyMetrics struct {
	Top1Label         string   `json:"top1_label" yaml:"top1_label"`
	Top1Confidence    float64  `json:"top1_conf" yaml:"top1_conf"`
	Top2Label         string   `json:"top2_label,omitempty" yaml:"top2_label,omitempty"`
	Top2Confidence    float64  `json:"top2_conf" yaml:"top2_conf"`
	Margin            float64  `json:"margin" yaml:"margin"`
	Entropy           float64  `json:"entropy" yaml:"entropy"`
	NormalizedEntropy float64  `json:"normalized_entropy" yaml:"normalized_entropy"`
	Score             float64  `json:"uncertainty_score" yaml:"uncertainty_score"`
	Flags             []string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// Diagnostics carries everything computed before the decision was reached,
// so rejected and uncertain images can be replayed during threshold tuning.
type Diagnostics struct {
	Content       *ContentMetrics    `json:"content,omitempty" yaml:"content,omitempty"`
	FailedCheck   *Check             `json:"failed_check,omitempty" yaml:"failed_check,omitempty"`
	Embedding     []EmbeddingCheck   `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty" yaml:"probabilities,omitempty"`
}

// LastEmbedding returns the most recent embedding comparison, if any.
func (d Diagnostics) LastEmbedding() (EmbeddingCheck, bool) {
	if len(d.Embedding) == 0 {
		return EmbeddingCheck{}, false
	}
	return d.Embedding[len(d.Embedding)-1], true
}

// Decision is the terminal output of the pipeline for one image.
type Decision struct {
	Outcome     Outcome             `json:"outcome" yaml:"outcome"`
	Label       string              `json:"label,omitempty" yaml:"label,omitempty"`
	Confidence  float64             `json:"confidence" yaml:"confidence"`
	Cause       Cause               `json:"cause,omitempty" yaml:"cause,omitempty"`
	Metrics     *UncertaintyMetrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Diagnostics Diagnostics         `json:"diagnostics" yaml:"diagnostics"`
}

// Accept builds an accepted decision.
func Accept(label string, confidence float64) Decision {
	return Decision{Outcome: OutcomeAccept, Label: label, Confidence: confidence}
}

// Reject builds a rejection with the given cause.
func Reject(cause Cause) Decision {
	return Decision{Outcome: OutcomeReject, Cause: cause}
}

// Uncertain builds a low-trust decision that still reports the best guess.
func Uncertain(label string, metrics UncertaintyMetrics) Decision {
	return Decision{
		Outcome:    OutcomeUncertain,
		Label:      label,
		Confidence: metrics.Top1Confidence,
		Metrics:    &metrics,
	}
}

// Accepted reports whether the decision can be trusted as-is.
func (d Decision) Accepted() bool {
	return d.Outcome == OutcomeAccept
}
