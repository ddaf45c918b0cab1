// Package store persists schema-less report rows into SQLite tables whose columns
// grow as new fields appear, and runs named queries against them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// TablePlaceholder is replaced with the quoted table name in every query.
const TablePlaceholder = ":db_table"

// ErrSchemaMismatch classifies inserts rejected for an unknown column. Sync
// repairs the table and retries once; the error only escapes when the retry fails.
var ErrSchemaMismatch = errors.New("row does not match table schema")

var missingColumnPattern = regexp.MustCompile(`table .+ has no column named`)

// Row is a single record keyed by column name.
type Row = map[string]any

// NamedQuery is a query template referencing TablePlaceholder.
type NamedQuery struct {
	Name string
	SQL  string
}

// Results maps query names to their rows.
type Results map[string][]Row

// Options configure Open.
type Options struct {
	// Path of the database file. Empty creates a database in a temporary
	// directory that is removed on Close.
	Path   string
	Typer  ColumnTyper
	Logger *zap.Logger
}

// Store is a SQLite database holding synced report tables. It assumes a single
// writer.
type Store struct {
	db     *sqlx.DB
	path   string
	tmpDir string
	typer  ColumnTyper
	logger *zap.Logger
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	typer := opts.Typer
	if typer == nil {
		typer = DefaultColumnTyper
	}

	s := &Store{path: opts.Path, typer: typer, logger: logger}
	if s.path == "" {
		dir, err := os.MkdirTemp("", "cspm-aggregator-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary database directory: %w", err)
		}
		s.tmpDir = dir
		s.path = filepath.Join(dir, "database.db")
	} else if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger.Info("Opening database", zap.String("path", s.path))
	db, err := sqlx.Connect("sqlite3", s.path+"?_busy_timeout=5000")
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open database %s: %w", s.path, err)
	}
	// single writer; see Store
	db.SetMaxOpenConns(1)
	s.db = db
	return s, nil
}

// Close closes the database and removes a temporary database.
func (s *Store) Close() error {
	err := s.db.Close()
	s.cleanup()
	return err
}

func (s *Store) cleanup() {
	if s.tmpDir != "" {
		_ = os.RemoveAll(s.tmpDir)
	}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// TableExists reports whether table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns returns the column names of table in declaration order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM "+QuoteIdent(table)+" LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("failed to select columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return cols, nil
}

// DropTable drops table if it exists.
func (s *Store) DropTable(ctx context.Context, table string) error {
	s.logger.Info("Dropping table", zap.String("table", table))
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// Execute runs a statement as given.
func (s *Store) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	return res, nil
}

// Sync appends rows to table, creating it from the first row and adding a
// column for every key the table does not have yet. Existing columns are never
// altered.
func (s *Store) Sync(ctx context.Context, table string, rows []Row) error {
	s.logger.Info("Syncing rows", zap.String("table", table), zap.Int("rows", len(rows)))

	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}

	for i, row := range rows {
		if !exists {
			if len(row) == 0 {
				s.logger.Debug("Skipping empty row before table creation", zap.String("table", table), zap.Int("row", i))
				continue
			}
			if err := s.createTable(ctx, table, row); err != nil {
				return err
			}
			exists = true
		}

		err := s.insert(ctx, table, row)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrSchemaMismatch) {
			return fmt.Errorf("failed to insert row %d into %s: %w", i, table, err)
		}

		if err := s.addMissingColumns(ctx, table, row); err != nil {
			return err
		}
		if err := s.insert(ctx, table, row); err != nil {
			return fmt.Errorf("failed to insert row %d into %s after adding columns: %w", i, table, err)
		}
	}

	s.logger.Info("Sync complete", zap.String("table", table))
	return nil
}

func (s *Store) createTable(ctx context.Context, table string, row Row) error {
	keys := sortedKeys(row)
	defs := lo.Map(keys, func(k string, _ int) string {
		return QuoteIdent(k) + " " + string(s.typer.ColumnType(row[k]))
	})

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	s.logger.Debug("Created table", zap.String("table", table), zap.Strings("columns", keys))
	return nil
}

func (s *Store) insert(ctx context.Context, table string, row Row) error {
	if len(row) == 0 {
		_, err := s.db.ExecContext(ctx, "INSERT INTO "+QuoteIdent(table)+" DEFAULT VALUES")
		return err
	}

	keys := sortedKeys(row)
	args := make([]any, len(keys))
	for i, k := range keys {
		v, err := sqlValue(row[k])
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
		args[i] = v
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(table),
		strings.Join(lo.Map(keys, func(k string, _ int) string { return QuoteIdent(k) }), ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", "),
	)
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		if missingColumnPattern.MatchString(err.Error()) {
			return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		return err
	}
	return nil
}

func (s *Store) addMissingColumns(ctx context.Context, table string, row Row) error {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}

	// SQLite column names are case-insensitive
	existing := lo.SliceToMap(cols, func(c string) (string, struct{}) { return strings.ToLower(c), struct{}{} })
	missing := lo.Filter(sortedKeys(row), func(k string, _ int) bool {
		_, ok := existing[strings.ToLower(k)]
		return !ok
	})

	for _, col := range missing {
		typ := s.typer.ColumnType(row[col])
		s.logger.Debug("Adding column",
			zap.String("table", table),
			zap.String("column", col),
			zap.String("type", string(typ)),
		)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", QuoteIdent(table), QuoteIdent(col), typ)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", col, table, err)
		}
	}
	return nil
}

// Query runs each named query against table and returns the rows per name.
func (s *Store) Query(ctx context.Context, table string, queries []NamedQuery) (Results, error) {
	results := make(Results, len(queries))
	for _, q := range queries {
		s.logger.Info("Executing query", zap.String("name", q.Name), zap.String("table", table))
		rows, err := s.queryRows(ctx, strings.ReplaceAll(q.SQL, TablePlaceholder, QuoteIdent(table)))
		if err != nil {
			return nil, fmt.Errorf("failed to run query %s: %w", q.Name, err)
		}
		results[q.Name] = rows
	}
	return results, nil
}

// SyncAndQuery replaces table with rows and runs the queries against it.
func (s *Store) SyncAndQuery(ctx context.Context, table string, rows []Row, queries []NamedQuery) (Results, error) {
	if err := s.DropTable(ctx, table); err != nil {
		return nil, err
	}
	if err := s.Sync(ctx, table, rows); err != nil {
		return nil, err
	}
	return s.Query(ctx, table, queries)
}

func (s *Store) queryRows(ctx context.Context, stmt string) ([]Row, error) {
	rows, err := s.db.QueryxContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		row := make(Row)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys(row Row) []string {
	keys := lo.Keys(row)
	sort.Strings(keys)
	return keys
}
