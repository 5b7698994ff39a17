package main

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/leafcheck/internal/batch"
	"github.com/example/leafcheck/internal/bootstrap"
	"github.com/example/leafcheck/internal/remediation"
	"github.com/example/leafcheck/internal/verdict"
)

var admitCmd = &cobra.Command{
	Use:   "admit <image>...",
	Short: "Run the admission pipeline on image files and print each decision",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := bootstrap.Build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer comps.Close()

		results := batch.NewRunner(comps.Pipeline, 1, comps.ImageSize, logger).Run(cmd.Context(), args, nil)
		return writeReports(cmd.OutOrStdout(), results)
	},
}

func init() {
	rootCmd.AddCommand(admitCmd)
}

type report struct {
	Path        string              `yaml:"path"`
	Error       string              `yaml:"error,omitempty"`
	Outcome     verdict.Outcome     `yaml:"outcome,omitempty"`
	Label       string              `yaml:"label,omitempty"`
	Confidence  float64             `yaml:"confidence,omitempty"`
	Message     string              `yaml:"message,omitempty"`
	Decision    *verdict.Decision   `yaml:"decision,omitempty"`
	Remediation *remediation.Advice `yaml:"remediation,omitempty"`
}

func newReport(res batch.Result) report {
	r := report{Path: res.Path}
	if res.Err != nil {
		r.Error = res.Err.Error()
		return r
	}
	dec := res.Decision
	r.Outcome = dec.Outcome
	r.Decision = &dec
	switch dec.Outcome {
	case verdict.OutcomeAccept:
		r.Label = dec.Label
		r.Confidence = dec.Confidence
		if advice, ok := remediation.Lookup(dec.Label); ok {
			r.Remediation = &advice
		}
	case verdict.OutcomeUncertain:
		r.Label = dec.Label
		r.Confidence = dec.Confidence
		r.Message = "low confidence prediction; manual review recommended"
	default:
		r.Message = dec.Cause.Message()
	}
	return r
}

func writeReports(w io.Writer, results []batch.Result) error {
	reports := make([]report, 0, len(results))
	for _, res := range results {
		reports = append(reports, newReport(res))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return err
	}
	return enc.Close()
}
