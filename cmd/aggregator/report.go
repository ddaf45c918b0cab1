package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/lvonguyen/cspm-aggregator/internal/aggregate"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

func newReportCommand(a *app) *cobra.Command {
	var (
		catalog string
		table   string
		queries []string
	)

	names := lo.Map(aggregate.Catalogs(), func(c aggregate.Catalog, _ int) string { return c.Name })

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run an aggregation catalog against a synced table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ok := aggregate.Lookup(catalog)
			if !ok {
				return fmt.Errorf("unknown catalog %q; expected one of %s", catalog, strings.Join(names, ", "))
			}

			s, engine, err := a.openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := engine.Run(cmd.Context(), c, table, queries...)
			if err != nil {
				return err
			}
			return writeResults(os.Stdout, results)
		},
	}

	cmd.Flags().StringVar(&catalog, "catalog", "", "catalog to run: "+strings.Join(names, "|"))
	cmd.Flags().StringVar(&table, "table", "", "table to aggregate")
	cmd.Flags().StringSliceVar(&queries, "query", nil, "queries of the catalog to run (default all)")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func writeResults(w io.Writer, results store.Results) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
