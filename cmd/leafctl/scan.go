package main

import (
	"fmt"
	"runtime"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/leafcheck/internal/batch"
	"github.com/example/leafcheck/internal/bootstrap"
)

var (
	scanWorkers int
	scanDetails bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Admit every image under a directory and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := batch.Collect(args[0])
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no images found under %s", args[0])
		}

		comps, err := bootstrap.Build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer comps.Close()

		bar := progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("admitting"),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionShowCount(),
		)
		runner := batch.NewRunner(comps.Pipeline, scanWorkers, comps.ImageSize, logger)
		results := runner.Run(cmd.Context(), paths, func(batch.Result) {
			_ = bar.Add(1)
		})
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())

		if scanDetails {
			if err := writeReports(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(batch.Summarize(results))
	},
}

func init() {
	scanCmd.Flags().IntVarP(&scanWorkers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	scanCmd.Flags().BoolVar(&scanDetails, "details", false, "Print every decision before the summary")
	rootCmd.AddCommand(scanCmd)
}
