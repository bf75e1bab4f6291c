package main

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/reachflow/libs/grpcx"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func newHealthCmd(g *globalFlags) *cobra.Command {
	var service string

	c := &cobra.Command{
		Use:   "health",
		Short: "Query the journey-service gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			conn, err := grpcx.Dial(ctx, g.grpcAddr, grpcx.DialOptions{Timeout: g.timeout})
			if err != nil {
				return fmt.Errorf("dial %s: %w", g.grpcAddr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus().String())
			if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", g.grpcAddr, resp.GetStatus())
			}
			return nil
		},
	}
	c.Flags().StringVar(&service, "service", "", "service name to check (empty checks the server)")
	return c
}
