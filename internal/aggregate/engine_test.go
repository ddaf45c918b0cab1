package aggregate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

func newTestEngine(t *testing.T, machinesTable string) *Engine {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewEngine(s, machinesTable, nil)
}

func machine(tenant, account, instance string) store.Row {
	return store.Row{"lwAccount": tenant, "accountId": account, "tag_instanceId": instance, "lwTokenShort": "tok-" + instance}
}

func pick(rows []store.Row, cols ...string) []store.Row {
	return lo.Map(rows, func(r store.Row, _ int) store.Row { return lo.PickByKeys(r, cols) })
}

func TestCatalogs_RenderCompletely(t *testing.T) {
	for _, c := range Catalogs() {
		assert.Equal(t, []string{"report", "account_coverage", "total_summary", "lwaccount_summary", "lwaccount"}, c.Names(), c.Name)
		queries, err := c.Queries("agents")
		require.NoError(t, err)
		for _, q := range queries {
			assert.NotContains(t, q.SQL, "{{", "%s/%s", c.Name, q.Name)
			assert.NotContains(t, q.SQL, MachinesPlaceholder, "%s/%s", c.Name, q.Name)
			assert.Contains(t, q.SQL, store.TablePlaceholder, "%s/%s", c.Name, q.Name)
		}
	}

	_, err := Agent.Queries(DefaultMachinesTable, "nope")
	assert.Error(t, err)

	c, ok := Lookup("vulnerability")
	require.True(t, ok)
	assert.Equal(t, 1, c.Version)
	_, ok = Lookup("unknown")
	assert.False(t, ok)
}

func TestAgentCatalog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")
	require.NoError(t, e.SyncMachines(ctx, []store.Row{machine("t1", "aws:1", "i-1")}))

	discovered := []store.Row{
		{"lwAccount": "t1", "accountId": "aws:1", "instanceId": "i-1", "name": "web", "state": "running", "tags": []any{map[string]any{"Key": "Name", "Value": "web"}}},
		{"lwAccount": "t1", "accountId": "aws:1", "instanceId": "i-2", "name": "db", "state": "running"},
		{"lwAccount": "t1", "accountId": "aws:1", "instanceId": "i-3", "name": "old", "state": "stopped"},
		{"lwAccount": "t2", "accountId": "aws:2", "instanceId": "i-4", "name": "api", "state": "RUNNING"},
	}
	res, err := e.SyncAndRun(ctx, Agent, "discovered", discovered)
	require.NoError(t, err)

	assert.Equal(t, []store.Row{
		{"lwAccount": "t1", "accountId": "aws:1", "total_installed": int64(1), "total": int64(2), "total_coverage": int64(50)},
		{"lwAccount": "t2", "accountId": "aws:2", "total_installed": int64(0), "total": int64(1), "total_coverage": int64(0)},
	}, res["account_coverage"])

	assert.Equal(t, []store.Row{{
		"lwAccount": "Any", "total_accounts": int64(2), "total_installed": int64(1),
		"total_not_installed": int64(2), "total": int64(3), "total_coverage": int64(33),
	}}, res["total_summary"])

	assert.Equal(t, []store.Row{
		{"lwAccount": "t1", "total_accounts": int64(1), "total_installed": int64(1), "total_not_installed": int64(1), "total": int64(2), "total_coverage": int64(50)},
		{"lwAccount": "t2", "total_accounts": int64(1), "total_installed": int64(0), "total_not_installed": int64(1), "total": int64(1), "total_coverage": int64(0)},
	}, res["lwaccount_summary"])

	assert.Equal(t, []store.Row{{"lwAccount": "t1"}, {"lwAccount": "t2"}}, res["lwaccount"])

	report := res["report"]
	require.Len(t, report, 4)
	assert.Equal(t, "i-1", report[0]["instanceId"])
	assert.Equal(t, int64(1), report[0]["has_agent"])
	assert.Equal(t, "tok-i-1", report[0]["lwTokenShort"])
	assert.Nil(t, report[1]["lwTokenShort"])
	assert.Equal(t, "running", report[3]["state"])
}

func TestAgentCatalog_CustomMachinesTable(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "agents")
	assert.Equal(t, "agents", e.MachinesTable())
	require.NoError(t, e.SyncMachines(ctx, nil))

	res, err := e.SyncAndRun(ctx, Agent, "discovered", []store.Row{
		{"lwAccount": "t1", "accountId": "aws:1", "instanceId": "i-1", "name": "web", "state": "running"},
	}, "account_coverage")
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, int64(0), res["account_coverage"][0]["total_coverage"])
}

func recommendation(recID string, severity int, violations, assessed int, status string) map[string]any {
	return map[string]any{
		"REC_ID":                  recID,
		"TITLE":                   "control " + recID,
		"STATUS":                  status,
		"SEVERITY":                severity,
		"CATEGORY":                "S3",
		"SERVICE":                 "aws:s3",
		"INFO_LINK":               "https://example.com/" + recID,
		"VIOLATIONS":              lo.Times(violations, func(i int) any { return map[string]any{"resource": fmt.Sprintf("r%d", i)} }),
		"SUPPRESSIONS":            []any{},
		"RESOURCE_COUNT":          assessed,
		"ASSESSED_RESOURCE_COUNT": assessed,
	}
}

func complianceRow(tenant, account string, recs ...map[string]any) store.Row {
	return store.Row{
		"reportType":      "AWS_CIS_S3",
		"reportTime":      "2024-03-01T00:00:00Z",
		"reportTitle":     "AWS CIS Benchmark and S3 Report",
		"accountId":       account,
		"lwAccount":       tenant,
		"recommendations": lo.Map(recs, func(r map[string]any, _ int) any { return r }),
	}
}

func TestComplianceCatalog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	rows := []store.Row{
		complianceRow("t1", "aws:111",
			recommendation("R1", 5, 5, 10, "NonCompliant"),
			recommendation("R2", 1, 12, 10, "NonCompliant"),
			recommendation("R3", 3, 0, 4, "Compliant"),
		),
		complianceRow("t2", "aws:222", recommendation("R4", 4, 1, 3, "NonCompliant")),
		complianceRow("t2", "aws:333", recommendation("R5", 2, 0, 0, "NonCompliant")),
	}
	res, err := e.SyncAndRun(ctx, Compliance, "compliance", rows)
	require.NoError(t, err)

	assert.Equal(t, []store.Row{
		{"accountId": "aws:111", "rec_id": "R1", "severity": "critical", "violation_count": int64(5), "percent": int64(50)},
		{"accountId": "aws:222", "rec_id": "R4", "severity": "high", "violation_count": int64(1), "percent": int64(66)},
	}, pick(res["report"], "accountId", "rec_id", "severity", "violation_count", "percent"))

	assert.Equal(t, []store.Row{
		{
			"accountId": "aws:111", "lwAccount": "t1", "total_coverage": int64(30),
			"total_assessed_resource_count": int64(24), "total_violation_count": int64(17),
			"critical": int64(5), "high": int64(0), "medium": int64(0), "low": int64(0), "info": int64(12),
		},
		{
			"accountId": "aws:222", "lwAccount": "t2", "total_coverage": int64(67),
			"total_assessed_resource_count": int64(3), "total_violation_count": int64(1),
			"critical": int64(0), "high": int64(1), "medium": int64(0), "low": int64(0), "info": int64(0),
		},
		{
			"accountId": "aws:333", "lwAccount": "t2", "total_coverage": nil,
			"total_assessed_resource_count": int64(0), "total_violation_count": int64(0),
			"critical": int64(0), "high": int64(0), "medium": int64(0), "low": int64(0), "info": int64(0),
		},
	}, res["account_coverage"])

	assert.Equal(t, []store.Row{{
		"lwAccount": "Any", "total_accounts": int64(3), "total_coverage": int64(34),
		"total_assessed_resource_count": int64(27), "total_violation_count": int64(18),
		"critical": int64(5), "high": int64(1), "medium": int64(0), "low": int64(0), "info": int64(12),
	}}, res["total_summary"])

	assert.Equal(t, []store.Row{
		{"lwAccount": "t1", "total_accounts": int64(1), "total_coverage": int64(30)},
		{"lwAccount": "t2", "total_accounts": int64(2), "total_coverage": int64(67)},
	}, pick(res["lwaccount_summary"], "lwAccount", "total_accounts", "total_coverage"))

	assert.Equal(t, []store.Row{{"lwAccount": "t1"}, {"lwAccount": "t2"}}, res["lwaccount"])
}

func finding(tenant, account, instance, vulnID, severity string) store.Row {
	return store.Row{
		"lwAccount": tenant,
		"accountId": account,
		"startTime": "2024-03-01T00:00:00Z",
		"endTime":   "2024-03-01T01:00:00Z",
		"mid":       1,
		"vulnId":    vulnID,
		"status":    "Active",
		"severity":  severity,
		"featureKey": map[string]any{
			"name": "openssl", "namespace": "ubuntu:22.04", "package_active": 1, "version_installed": "3.0.2",
		},
		"fixInfo": map[string]any{"fix_available": 1, "fixed_version": "3.0.13", "eval_status": "VULNERABLE"},
		"machineTags": map[string]any{
			"InstanceId": instance, "Hostname": instance + ".internal", "Account": strings.TrimPrefix(account, "aws:"),
			"Environment": "prod", "VmProvider": "AWS",
		},
		"cveProps": map[string]any{},
	}
}

func TestVulnerabilityCatalog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	var machines []store.Row
	for i := 1; i <= 10; i++ {
		machines = append(machines, machine("t1", "aws:1", fmt.Sprintf("i%d", i)))
	}
	machines = append(machines, machine("t2", "aws:2", "i20"), machine("t2", "aws:2", "i21"))
	require.NoError(t, e.SyncMachines(ctx, machines))

	findings := []store.Row{
		finding("t1", "aws:1", "i1", "CVE-A", "High"),
		finding("t1", "aws:1", "i1", "CVE-A", "High"),
		finding("t2", "aws:2", "i20", "CVE-I", "Info"),
		finding("t1", "aws:1", "i99", "CVE-X", "Critical"),
	}
	for i := 0; i < 6; i++ {
		findings = append(findings, finding("t1", "aws:1", "i2", fmt.Sprintf("CVE-C%d", i), "Critical"))
	}

	res, err := e.SyncAndRun(ctx, Vulnerability, "vulns", findings)
	require.NoError(t, err)

	report := res["report"]
	require.Len(t, report, 9)
	scores := lo.SliceToMap(report, func(r store.Row) (string, any) { return r["instanceId"].(string), r["total_coverage"] })
	assert.Equal(t, map[string]any{"i1": int64(49), "i2": int64(5), "i20": int64(100)}, scores)
	assert.Equal(t, "prod", report[0]["env"])
	assert.Equal(t, "openssl", report[0]["package_name"])
	assert.NotContains(t, report[0], "_instcount")

	assert.Equal(t, []store.Row{
		{
			"lwAccount": "t1", "accountId": "aws:1", "total_assets_in_violation": int64(2), "total_assets": int64(10),
			"critical": int64(6), "high": int64(1), "medium": int64(0), "low": int64(0), "info": int64(0),
			"total_violation_count": int64(7), "total_coverage": int64(85),
		},
		{
			"lwAccount": "t2", "accountId": "aws:2", "total_assets_in_violation": int64(1), "total_assets": int64(2),
			"critical": int64(0), "high": int64(0), "medium": int64(0), "low": int64(0), "info": int64(1),
			"total_violation_count": int64(1), "total_coverage": int64(100),
		},
	}, res["account_coverage"])

	assert.Equal(t, []store.Row{{
		"lwAccount": "Any", "total_accounts": int64(2), "total_assets_in_violation": int64(3), "total_assets": int64(12),
		"critical": int64(6), "high": int64(1), "medium": int64(0), "low": int64(0), "info": int64(1),
		"total_violation_count": int64(8), "total_coverage": int64(87),
	}}, res["total_summary"])

	assert.Equal(t, []store.Row{
		{"lwAccount": "t1", "total_coverage": int64(85)},
		{"lwAccount": "t2", "total_coverage": int64(100)},
	}, pick(res["lwaccount_summary"], "lwAccount", "total_coverage"))
}

func TestVulnerabilityCatalog_NoAgentsMeansNoData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")
	require.NoError(t, e.SyncMachines(ctx, nil))

	res, err := e.SyncAndRun(ctx, Vulnerability, "vulns",
		[]store.Row{finding("t1", "aws:1", "i1", "CVE-A", "High")}, "report", "total_summary")
	require.NoError(t, err)
	assert.Empty(t, res["report"])
	require.Len(t, res["total_summary"], 1)
	assert.Nil(t, res["total_summary"][0]["total_coverage"])
}

func TestVulnerabilityCatalog_CleanAccountsCountInRollups(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")
	require.NoError(t, e.SyncMachines(ctx, []store.Row{
		machine("t1", "aws:1", "i1"),
		machine("t1", "aws:1", "i2"),
		machine("t1", "aws:2", "i3"),
		machine("t1", "aws:2", "i4"),
	}))

	res, err := e.SyncAndRun(ctx, Vulnerability, "vulns",
		[]store.Row{finding("t1", "aws:1", "i1", "CVE-A", "High")})
	require.NoError(t, err)

	assert.Equal(t, []store.Row{
		{"accountId": "aws:1", "total_assets": int64(2), "total_assets_in_violation": int64(1), "total_coverage": int64(74)},
		{"accountId": "aws:2", "total_assets": int64(2), "total_assets_in_violation": int64(0), "total_coverage": int64(100)},
	}, pick(res["account_coverage"], "accountId", "total_assets", "total_assets_in_violation", "total_coverage"))

	want := []store.Row{{
		"total_accounts": int64(2), "total_assets": int64(4), "total_assets_in_violation": int64(1),
		"high": int64(1), "total_violation_count": int64(1), "total_coverage": int64(87),
	}}
	cols := []string{"total_accounts", "total_assets", "total_assets_in_violation", "high", "total_violation_count", "total_coverage"}
	assert.Equal(t, want, pick(res["lwaccount_summary"], cols...))
	assert.Equal(t, want, pick(res["total_summary"], cols...))
}

func TestNativeCatalog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	row := func(account, provider, severity string, rank int, title string) store.Row {
		return store.Row{
			"lwAccount": "acme", "accountId": account, "provider": provider,
			"severity": severity, "severity_rank": rank, "title": title,
		}
	}
	rows := []store.Row{
		row("aws:1", "aws", "high", 4, "b"),
		row("aws:1", "aws", "critical", 5, "a"),
		row("aws:1", "aws", "high", 4, "c"),
		row("gcp:9:p", "gcp", "low", 2, "d"),
	}
	res, err := e.SyncAndRun(ctx, Native, "native", rows)
	require.NoError(t, err)

	assert.Equal(t, []store.Row{
		{"accountId": "aws:1", "critical": int64(1), "high": int64(2), "low": int64(0), "total_findings": int64(3), "total_coverage": int64(9)},
		{"accountId": "gcp:9:p", "critical": int64(0), "high": int64(0), "low": int64(1), "total_findings": int64(1), "total_coverage": int64(79)},
	}, pick(res["account_coverage"], "accountId", "critical", "high", "low", "total_findings", "total_coverage"))

	assert.Equal(t, int64(44), res["total_summary"][0]["total_coverage"])
	assert.Equal(t, int64(2), res["total_summary"][0]["total_accounts"])
	assert.Equal(t, []store.Row{
		{"severity": "critical", "title": "a"},
		{"severity": "high", "title": "b"},
		{"severity": "high", "title": "c"},
		{"severity": "low", "title": "d"},
	}, pick(res["report"], "severity", "title"))
}
