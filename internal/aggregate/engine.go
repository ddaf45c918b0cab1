package aggregate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

// Engine runs catalogs against tables of a store. Queries never modify the
// tables they read.
type Engine struct {
	store    *store.Store
	machines string
	logger   *zap.Logger
}

// NewEngine creates an engine joining coverage queries against machinesTable
// (DefaultMachinesTable when empty).
func NewEngine(s *store.Store, machinesTable string, logger *zap.Logger) *Engine {
	if machinesTable == "" {
		machinesTable = DefaultMachinesTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, machines: machinesTable, logger: logger}
}

// MachinesTable returns the agent telemetry table name.
func (e *Engine) MachinesTable() string { return e.machines }

// SyncMachines replaces the agent telemetry table with rows. The join columns
// exist even when rows is empty.
func (e *Engine) SyncMachines(ctx context.Context, rows []store.Row) error {
	if err := e.store.DropTable(ctx, e.machines); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`CREATE TABLE %s ("accountId" TEXT, "lwAccount" TEXT, "lwTokenShort" TEXT, "tag_instanceId" TEXT)`,
		store.QuoteIdent(e.machines))
	if _, err := e.store.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create machines table %s: %w", e.machines, err)
	}
	return e.store.Sync(ctx, e.machines, rows)
}

// Run executes the named queries of c (all when names is empty) against table.
func (e *Engine) Run(ctx context.Context, c Catalog, table string, names ...string) (store.Results, error) {
	queries, err := c.Queries(e.machines, names...)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Running catalog",
		zap.String("catalog", c.Name),
		zap.Int("version", c.Version),
		zap.String("table", table),
		zap.String("machines_table", e.machines),
	)
	results, err := e.store.Query(ctx, table, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s catalog on %s: %w", c.Name, table, err)
	}
	return results, nil
}

// SyncAndRun replaces table with rows and runs the catalog against it.
func (e *Engine) SyncAndRun(ctx context.Context, c Catalog, table string, rows []store.Row, names ...string) (store.Results, error) {
	queries, err := c.Queries(e.machines, names...)
	if err != nil {
		return nil, err
	}
	results, err := e.store.SyncAndQuery(ctx, table, rows, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to sync and run %s catalog on %s: %w", c.Name, table, err)
	}
	return results, nil
}
