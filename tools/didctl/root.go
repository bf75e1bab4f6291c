package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	addr     string
	grpcAddr string
	tenant   string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "didctl",
		Short:         "Manage the outbound caller-ID (DID) pool of a journey-service tenant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", envOr("DIDCTL_ADDR", "http://localhost:8087"), "journey-service HTTP base url")
	root.PersistentFlags().StringVar(&g.grpcAddr, "grpc-addr", envOr("DIDCTL_GRPC_ADDR", "localhost:9097"), "journey-service gRPC address")
	root.PersistentFlags().StringVar(&g.tenant, "tenant", os.Getenv("DIDCTL_TENANT"), "tenant id sent as X-Tenant-Id")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(newImportCmd(&g))
	root.AddCommand(newDisableCmd(&g))
	root.AddCommand(newListCmd(&g))
	root.AddCommand(newHealthCmd(&g))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
