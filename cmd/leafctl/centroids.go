package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/leafcheck/internal/embedding"
)

var centroidsDSN string

var centroidsCmd = &cobra.Command{
	Use:   "centroids",
	Short: "Manage the class centroid table in PostgreSQL",
}

var centroidsImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Replace the stored centroids with the contents of a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := embedding.LoadFile(args[0])
		if err != nil {
			return err
		}
		store, err := openCentroidStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		if err := store.EnsureSchema(cmd.Context()); err != nil {
			return err
		}
		if err := store.Replace(cmd.Context(), table); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d centroids of dimension %d\n", table.Len(), table.Dim())
		return nil
	},
}

var centroidsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the stored centroids as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCentroidStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		table, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		out := make(map[string][]float64, table.Len())
		for _, label := range table.Labels() {
			vec, _ := table.Lookup(label)
			out[label] = vec
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func openCentroidStore(cmd *cobra.Command) (*embedding.Store, error) {
	dsn := centroidsDSN
	if dsn == "" {
		dsn = cfg.Centroids.DatabaseDSN
	}
	if dsn == "" {
		return nil, errors.New("no centroid database configured (set --dsn or CENTROIDS_DSN)")
	}
	return embedding.OpenStore(cmd.Context(), dsn, cfg.Centroids.Table)
}

func init() {
	centroidsCmd.PersistentFlags().StringVar(&centroidsDSN, "dsn", "", "PostgreSQL connection string (default: centroids.database_dsn)")
	centroidsCmd.AddCommand(centroidsImportCmd, centroidsExportCmd)
	rootCmd.AddCommand(centroidsCmd)
}
