package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var trunk string

	c := &cobra.Command{
		Use:   "list",
		Short: "List pool numbers with their status and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(g)
			if err != nil {
				return err
			}
			items, err := client.List(cmd.Context(), strings.TrimSpace(trunk))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NUMBER\tTRUNK\tSEGMENT\tSTATUS\tUSAGE\tRESERVED_AT")
			for _, d := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", d.Number, d.Trunk, orDash(d.Segment), d.Status, d.UsageCount, orDash(d.ReservedAt))
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&trunk, "trunk", "", "only list numbers on this trunk")
	return c
}

func newDisableCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <number>",
		Short: "Take a number out of rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(g)
			if err != nil {
				return err
			}
			number := strings.TrimSpace(args[0])
			if err := client.Disable(cmd.Context(), number); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", number)
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
