package aggregate

// Compliance explodes the recommendations array of each report row into one row
// per control. Aggregate coverage is recomputed from summed violations and
// assessed resources, not averaged from control percents.
var Compliance = newCatalog("compliance", 1, complianceTemplates,
	"report", "account_coverage", "total_summary", "lwaccount_summary", "lwaccount")

const complianceTemplates = `
{{define "controls"}}
    SELECT
        r.reportType,
        r.reportTime,
        r.reportTitle,
        r.accountId,
        r.lwAccount,
        json_extract(rec.value, '$.TITLE') AS title,
        json_extract(rec.value, '$.INFO_LINK') AS info_link,
        json_extract(rec.value, '$.REC_ID') AS rec_id,
        json_extract(rec.value, '$.STATUS') AS status,
        json_extract(rec.value, '$.CATEGORY') AS category,
        json_extract(rec.value, '$.SERVICE') AS service,
        json_extract(rec.value, '$.VIOLATIONS') AS violations,
        json_extract(rec.value, '$.SUPPRESSIONS') AS suppressions,
        json_extract(rec.value, '$.RESOURCE_COUNT') AS resource_count,
        json_extract(rec.value, '$.ASSESSED_RESOURCE_COUNT') AS assessed_resource_count,
        json_array_length(json_extract(rec.value, '$.VIOLATIONS')) AS violation_count,
        json_array_length(json_extract(rec.value, '$.SUPPRESSIONS')) AS suppression_count,
        {{severityName "json_extract(rec.value, '$.SEVERITY')"}} AS severity,
        json_extract(rec.value, '$.SEVERITY') AS severity_number,
        {{controlCoverage "json_array_length(json_extract(rec.value, '$.VIOLATIONS'))" "json_extract(rec.value, '$.ASSESSED_RESOURCE_COUNT')"}} AS percent
    FROM
        :db_table AS r,
        json_each(r.recommendations) AS rec
{{end}}

{{define "totals"}}
    {{coverage "SUM(violation_count)" "SUM(assessed_resource_count)"}} AS total_coverage,
    COALESCE(CAST(SUM(assessed_resource_count) AS INTEGER), 0) AS total_assessed_resource_count,
    COALESCE(CAST(SUM(violation_count) AS INTEGER), 0) AS total_violation_count,
    {{buckets "severity_number" "violation_count"}}
{{end}}

{{define "report"}}
SELECT * FROM ({{template "controls"}}) AS c
WHERE percent < 100 AND status != 'Compliant'
ORDER BY accountId, reportType, rec_id
{{end}}

{{define "account_coverage"}}
SELECT
    accountId,
    lwAccount,
    {{template "totals"}}
FROM ({{template "controls"}}) AS t
GROUP BY accountId, lwAccount
ORDER BY accountId, lwAccount, total_coverage
{{end}}

{{define "total_summary"}}
SELECT
    'Any' AS lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    {{template "totals"}}
FROM ({{template "controls"}}) AS t
{{end}}

{{define "lwaccount_summary"}}
SELECT
    lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    {{template "totals"}}
FROM ({{template "controls"}}) AS t
GROUP BY lwAccount
ORDER BY lwAccount
{{end}}

{{define "lwaccount"}}
SELECT DISTINCT lwAccount FROM :db_table ORDER BY lwAccount
{{end}}
`
