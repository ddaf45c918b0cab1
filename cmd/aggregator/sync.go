package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

func newSyncCommand(a *app) *cobra.Command {
	var (
		table   string
		file    string
		tenant  string
		account string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Load a JSON dump of report rows into a table",
		Long: "Reads a JSON array or JSON lines file of rows and appends them to a table, adding columns as new keys appear.\n" +
			"Rows synced into the machines table always replace it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := readRowsFile(file)
			if err != nil {
				return err
			}
			rows = withContext(rows, tenant, account)

			s, engine, err := a.openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if table == engine.MachinesTable() {
				return engine.SyncMachines(ctx, rows)
			}
			if replace {
				if err := s.DropTable(ctx, table); err != nil {
					return err
				}
			}
			if err := s.Sync(ctx, table, rows); err != nil {
				return err
			}

			a.logger.Info("Synced rows", zap.String("table", table), zap.Int("rows", len(rows)))
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "destination table")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "rows file, - for stdin")
	cmd.Flags().StringVar(&tenant, "tenant", "", "lwAccount written on every row")
	cmd.Flags().StringVar(&account, "account", "", "accountId written on every row")
	cmd.Flags().BoolVar(&replace, "replace", false, "drop the table before syncing")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func readRowsFile(path string) ([]store.Row, error) {
	if path == "-" {
		return readRows(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rows file: %w", err)
	}
	defer f.Close()
	return readRows(f)
}

// readRows decodes a JSON array of objects or a stream of JSON objects.
// Numbers stay json.Number so integral values get INTEGER columns.
func readRows(r io.Reader) ([]store.Row, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var rows []store.Row
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("failed to decode rows: %w", err)
		}
		return rows, nil
	}

	var rows []store.Row
	for {
		var row store.Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// withContext sets lwAccount and accountId on every row when given.
func withContext(rows []store.Row, tenant, account string) []store.Row {
	for _, row := range rows {
		if row == nil {
			continue
		}
		if tenant != "" {
			row["lwAccount"] = tenant
		}
		if account != "" {
			row["accountId"] = account
		}
	}
	return rows
}
