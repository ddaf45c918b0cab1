package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// ColumnType is the declared type of a synced column.
type ColumnType string

const (
	ColumnJSON    ColumnType = "JSON"
	ColumnInteger ColumnType = "INTEGER"
	ColumnText    ColumnType = "TEXT"
)

// ColumnTyper picks the column type for a value seen for the first time. It is
// applied when a table is created and when a column is added.
type ColumnTyper interface {
	ColumnType(v any) ColumnType
}

// ColumnTyperFunc adapts a function to ColumnTyper.
type ColumnTyperFunc func(v any) ColumnType

func (f ColumnTyperFunc) ColumnType(v any) ColumnType { return f(v) }

// DefaultColumnTyper maps objects and arrays to JSON, whole numbers and
// booleans to INTEGER and everything else to TEXT.
var DefaultColumnTyper ColumnTyper = ColumnTyperFunc(InferColumnType)

// InferColumnType is the value-shape inspection behind DefaultColumnTyper.
func InferColumnType(v any) ColumnType {
	switch x := v.(type) {
	case nil, string, []byte, time.Time:
		return ColumnText
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ColumnInteger
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return ColumnInteger
		}
		return ColumnText
	case float64:
		return floatColumn(x)
	case float32:
		return floatColumn(float64(x))
	case map[string]any, []any:
		return ColumnJSON
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return ColumnJSON
	}
	return ColumnText
}

// JSON decoding yields float64 for every number; whole values are integers.
func floatColumn(f float64) ColumnType {
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return ColumnText
	}
	return ColumnInteger
}

// sqlValue converts a row value to a driver argument. Composite values are
// stored as JSON text so json_extract and json_each can read them back.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, []byte, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, float32, float64:
		return v, nil
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Sprint(x), nil
		}
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.String(), nil
	case time.Time:
		return x, nil
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value as json: %w", err)
		}
		return string(b), nil
	case reflect.String:
		return reflect.ValueOf(v).String(), nil
	}
	return fmt.Sprint(v), nil
}

// QuoteIdent quotes a table or column name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
