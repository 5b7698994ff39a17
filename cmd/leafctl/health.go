package main

import (
	"fmt"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/leafcheck/internal/grpchealth"
)

var (
	healthAddr    string
	healthService string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running server over the gRPC health protocol",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := healthAddr
		if addr == "" {
			addr = cfg.Server.GRPCAddr
		}
		client, conn, err := grpchealth.Dial(cmd.Context(), addr, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		status, err := grpchealth.Check(cmd.Context(), client, healthService)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), status.String())
		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("%s is %s", addr, status)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Server address (default: server.grpc_addr)")
	healthCmd.Flags().StringVar(&healthService, "service", grpchealth.ServiceAdmission, "Service to check; empty checks the whole server")
	rootCmd.AddCommand(healthCmd)
}
