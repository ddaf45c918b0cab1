package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSync_IncreasingKeySetAddsColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rows := []Row{
		{"a": 1},
		{"a": 2, "b": "x"},
		{"a": 3, "b": "y", "c": map[string]any{"k": "v"}},
		{"a": 4, "b": "z", "c": map[string]any{"k": "w"}, "d": []any{"p", "q"}},
	}
	require.NoError(t, s.Sync(ctx, "drift", rows))

	cols, err := s.Columns(ctx, "drift")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, cols)

	res, err := s.Query(ctx, "drift", []NamedQuery{{
		Name: "all",
		SQL:  `SELECT a, b, json_extract(c, '$.k') AS k, json_array_length(d) AS n FROM :db_table ORDER BY a`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"a": int64(1), "b": nil, "k": nil, "n": nil},
		{"a": int64(2), "b": "x", "k": nil, "n": nil},
		{"a": int64(3), "b": "y", "k": "v", "n": nil},
		{"a": int64(4), "b": "z", "k": "w", "n": int64(2)},
	}, res["all"])
}

func TestSync_ColumnTypesFollowFirstSighting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var decoded Row
	require.NoError(t, json.Unmarshal([]byte(`{"count": 3, "ratio": 0.5, "name": "n", "tags": {"a": 1}}`), &decoded))
	require.NoError(t, s.Sync(ctx, "typed", []Row{decoded, {"flag": true, "list": []any{1}}}))

	res, err := s.Query(ctx, "typed", []NamedQuery{{
		Name: "info",
		SQL:  `SELECT name, type FROM pragma_table_info('typed') ORDER BY name`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"name": "count", "type": "INTEGER"},
		{"name": "flag", "type": "INTEGER"},
		{"name": "list", "type": "JSON"},
		{"name": "name", "type": "TEXT"},
		{"name": "ratio", "type": "TEXT"},
		{"name": "tags", "type": "JSON"},
	}, res["info"])
}

func TestSync_CustomColumnTyper(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{
		Path:  filepath.Join(t.TempDir(), "cache.db"),
		Typer: ColumnTyperFunc(func(any) ColumnType { return ColumnText }),
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Sync(ctx, "t", []Row{{"n": 1}, {"n": 2, "m": 3}}))
	res, err := s.Query(ctx, "t", []NamedQuery{{Name: "types", SQL: `SELECT DISTINCT type FROM pragma_table_info('t')`}})
	require.NoError(t, err)
	assert.Equal(t, []Row{{"type": "TEXT"}}, res["types"])
}

func TestSync_OtherInsertErrorsAreNotRepaired(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Execute(ctx, `CREATE TABLE checked (a INTEGER CHECK (a > 0))`)
	require.NoError(t, err)

	err = s.Sync(ctx, "checked", []Row{{"a": -1}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSchemaMismatch)
}

func TestSync_TableNameWithSpacesAddsColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Sync(ctx, "cloud findings", []Row{{"a": 1}, {"a": 2, "b": "x"}}))

	cols, err := s.Columns(ctx, "cloud findings")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cols)
}

func TestSync_FailedRetryAfterAddingColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Execute(ctx, `CREATE TABLE checked (a INTEGER CHECK (a > 0))`)
	require.NoError(t, err)

	err = s.Sync(ctx, "checked", []Row{{"a": -1, "b": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after adding columns")
	assert.NotErrorIs(t, err, ErrSchemaMismatch)

	cols, err := s.Columns(ctx, "checked")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cols)
}

func TestDropTable_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.DropTable(ctx, "missing"))
	require.NoError(t, s.Sync(ctx, "present", []Row{{"a": 1}}))
	require.NoError(t, s.DropTable(ctx, "present"))
	require.NoError(t, s.DropTable(ctx, "present"))

	exists, err := s.TableExists(ctx, "present")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncAndQuery_DistinctTenants(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	queries := []NamedQuery{{Name: "lwaccount", SQL: `SELECT DISTINCT lwAccount FROM :db_table`}}

	orders := [][]Row{
		{{"lwAccount": "b", "x": 1}, {"lwAccount": "a"}, {"lwAccount": "b", "y": "z"}},
		{{"lwAccount": "a"}, {"lwAccount": "b", "y": "z"}, {"lwAccount": "b", "x": 1}},
	}
	for _, rows := range orders {
		res, err := s.SyncAndQuery(ctx, "reports", rows, queries)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Row{{"lwAccount": "a"}, {"lwAccount": "b"}}, res["lwaccount"])
	}

	// the table is replaced, not appended to
	res, err := s.Query(ctx, "reports", []NamedQuery{{Name: "n", SQL: `SELECT COUNT(*) AS n FROM :db_table`}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res["n"][0]["n"])
}

func TestQuery_EmptyResultIsNotNil(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Sync(ctx, "t", []Row{{"a": 1}}))

	res, err := s.Query(ctx, "t", []NamedQuery{{Name: "none", SQL: `SELECT * FROM :db_table WHERE a > 1`}})
	require.NoError(t, err)
	assert.NotNil(t, res["none"])
	assert.Empty(t, res["none"])
}

func TestOpen_EphemeralDatabaseIsRemoved(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Sync(context.Background(), "t", []Row{{"a": 1}}))
	_, err = os.Stat(s.Path())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.Dir(s.Path()))
	assert.True(t, os.IsNotExist(err))
}

func TestInferColumnType(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ColumnType
	}{
		{"object", map[string]any{"a": 1}, ColumnJSON},
		{"array", []any{1}, ColumnJSON},
		{"typed slice", []string{"a"}, ColumnJSON},
		{"int", 7, ColumnInteger},
		{"bool", false, ColumnInteger},
		{"whole float", float64(12), ColumnInteger},
		{"fraction", 1.5, ColumnText},
		{"json int", json.Number("4"), ColumnInteger},
		{"json float", json.Number("4.2"), ColumnText},
		{"string", "x", ColumnText},
		{"null", nil, ColumnText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferColumnType(tt.in))
		})
	}
}
