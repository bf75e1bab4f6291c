package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// importBatchSize matches the largest batch the import endpoint accepts.
const importBatchSize = 5000

func newImportCmd(g *globalFlags) *cobra.Command {
	var trunk string

	c := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import numbers from a CSV of number,trunk,segment rows",
		Long: "Import numbers from a CSV file (\"-\" reads stdin). Columns are number, trunk and an optional\n" +
			"segment. A header row starting with \"number\" is skipped. Rows without a trunk use --trunk.\n" +
			"Numbers already in the pool are left untouched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			rows, err := parseDIDCSV(in, trunk)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return errors.New("no numbers found")
			}

			client, err := newAdminClient(g)
			if err != nil {
				return err
			}
			requested, imported, err := importAll(cmd.Context(), client, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d numbers (%d already present)\n", imported, requested, requested-imported)
			return nil
		},
	}
	c.Flags().StringVar(&trunk, "trunk", "", "default trunk for rows without one")
	return c
}

func importAll(ctx context.Context, client *adminClient, rows []didItem) (int, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var requested, imported int
	for start := 0; start < len(rows); start += importBatchSize {
		end := min(start+importBatchSize, len(rows))
		res, err := client.Import(ctx, rows[start:end])
		if err != nil {
			return requested, imported, fmt.Errorf("batch starting at row %d: %w", start+1, err)
		}
		requested += res.Requested
		imported += res.Imported
	}
	return requested, imported, nil
}

func parseDIDCSV(r io.Reader, defaultTrunk string) ([]didItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []didItem
	seen := make(map[string]struct{})
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		number := strings.TrimSpace(rec[0])
		if line == 1 && strings.EqualFold(number, "number") {
			continue
		}
		if number == "" {
			continue
		}
		item := didItem{Number: number, Trunk: strings.TrimSpace(defaultTrunk)}
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			item.Trunk = strings.TrimSpace(rec[1])
		}
		if len(rec) > 2 {
			item.Segment = strings.TrimSpace(rec[2])
		}
		if item.Trunk == "" {
			return nil, fmt.Errorf("line %d: %s has no trunk and --trunk is not set", line, number)
		}
		key := item.Trunk + "\x00" + item.Number
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}
