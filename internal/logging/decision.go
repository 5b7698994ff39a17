package logging

import (
	"go.uber.org/zap"

	"github.com/example/leafcheck/internal/verdict"
)

// DecisionFields renders an admission decision, including the metrics and
// thresholds it was compared against, as structured log fields.
func DecisionFields(d verdict.Decision) []zap.Field {
	fields := []zap.Field{zap.String("outcome", string(d.Outcome))}
	if d.Label != "" {
		fields = append(fields, zap.String("label", d.Label), zap.Float64("confidence", d.Confidence))
	}
	if d.Cause != verdict.CauseNone {
		fields = append(fields, zap.String("cause", string(d.Cause)))
	}
	if m := d.Metrics; m != nil {
		fields = append(fields,
			zap.Float64("top1_conf", m.Top1Confidence),
			zap.Float64("top2_conf", m.Top2Confidence),
			zap.Float64("margin", m.Margin),
			zap.Float64("entropy", m.Entropy),
			zap.Float64("uncertainty_score", m.Score),
		)
		if len(m.Flags) > 0 {
			fields = append(fields, zap.Strings("flags", m.Flags))
		}
	}

	diag := d.Diagnostics
	if diag.Content != nil {
		fields = append(fields,
			zap.Float64("green_ratio", diag.Content.GreenRatio),
			zap.Float64("blue_ratio", diag.Content.BlueRatio),
			zap.Float64("brightness_std", diag.Content.BrightnessStd),
		)
	}
	if fc := diag.FailedCheck; fc != nil {
		fields = append(fields,
			zap.String("failed_check", fc.Name),
			zap.Float64("value", fc.Value),
			zap.Float64("threshold", fc.Threshold),
		)
	}
	if ec, ok := diag.LastEmbedding(); ok {
		fields = append(fields,
			zap.String("embedding_mode", ec.Mode),
			zap.String("nearest_label", ec.NearestLabel),
			zap.Float64("distance", ec.Distance),
			zap.Float64("distance_threshold", ec.Threshold),
		)
	}
	return fields
}
