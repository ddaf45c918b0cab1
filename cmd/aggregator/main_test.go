package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cspm-aggregator/internal/config"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

func TestReadRows(t *testing.T) {
	rows, err := readRows(strings.NewReader(`  [{"a": 1}, {"b": "x"}]`))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, json.Number("1"), rows[0]["a"])

	rows, err = readRows(strings.NewReader("{\"a\": 1}\n{\"a\": 2.5}\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, json.Number("2.5"), rows[1]["a"])

	rows, err = readRows(strings.NewReader("\n  "))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = readRows(strings.NewReader(`{"a": `))
	assert.Error(t, err)
}

func TestWithContext(t *testing.T) {
	rows := withContext([]store.Row{{"accountId": "old"}, nil}, "acme", "aws:1")
	assert.Equal(t, store.Row{"accountId": "aws:1", "lwAccount": "acme"}, rows[0])

	rows = withContext([]store.Row{{"accountId": "keep"}}, "", "")
	assert.Equal(t, store.Row{"accountId": "keep"}, rows[0])
}

func TestSelectClouds(t *testing.T) {
	all, err := selectClouds("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"aws", "gcp", "azure"}, all)

	one, err := selectClouds("gcp")
	require.NoError(t, err)
	assert.Equal(t, []string{"gcp"}, one)

	_, err = selectClouds("oci")
	assert.Error(t, err)
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, store.Results{"lwaccount": {{"lwAccount": "acme"}}}))
	assert.JSONEq(t, `{"lwaccount": [{"lwAccount": "acme"}]}`, buf.String())
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestDecodeIntegrations(t *testing.T) {
	bare, err := decodeIntegrations([]byte(`[{"type": "AwsCfg", "name": "a"}]`))
	require.NoError(t, err)
	require.Len(t, bare, 1)

	wrapped, err := decodeIntegrations([]byte(`{"data": [{"type": "GcpCfg", "name": "g"}, {"type": "AzureCfg", "name": "z"}]}`))
	require.NoError(t, err)
	assert.Len(t, wrapped, 2)

	_, err = decodeIntegrations([]byte(`"nope"`))
	assert.Error(t, err)
}

func TestAccountRows(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	integrations, err := decodeIntegrations([]byte(`{"data": [
		{"type": "AwsCfg", "name": "prod", "isOrg": 0, "enabled": 1, "state": {"ok": true},
		 "data": {"crossAccountCredentials": {"roleArn": "arn:aws:iam::111111111111:role/x"}}},
		{"type": "GcpCfg", "name": "gcp", "isOrg": 1, "enabled": 1,
		 "state": {"ok": true, "details": {"projectErrors": {"p1": {}}}},
		 "data": {"id": "42", "idType": "ORGANIZATION"}}
	]}`))
	require.NoError(t, err)
	telemetry, err := readRows(strings.NewReader(`{"accountId": 111111111111, "VmProvider": "AWS"}
{"projectId": "p2", "VmProvider": "GCE"}
`))
	require.NoError(t, err)

	rows, err := accountRows(context.Background(), cfg, &exportedPlatform{integrations: integrations, telemetry: telemetry}, "acme", nil)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, store.Row{
		"lwAccount": "acme", "accountId": "aws:111111111111", "name": "prod",
		"isOrg": false, "enabled": true, "state": true, "type": "AwsCfg",
	}, rows[0])
	assert.Equal(t, "gcp:42:p1", rows[1]["accountId"])
	assert.Equal(t, "gcp::p2", rows[2]["accountId"])
	assert.Equal(t, "GcpLql", rows[2]["type"])
	assert.Nil(t, rows[2]["state"])
}
