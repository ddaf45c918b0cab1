package aggregate

// Native aggregates findings pulled straight from the cloud posture services.
// Each account is scored with the instance curve applied to its bucket counts;
// tenant and global scores average the account scores.
var Native = newCatalog("native", 1, nativeTemplates,
	"report", "account_coverage", "total_summary", "lwaccount_summary", "lwaccount")

const nativeTemplates = `
{{define "accounts"}}
    SELECT
        lwAccount,
        accountId,
        provider,
        COUNT(*) AS total_findings,
        {{matchCounts "severity"}}
    FROM :db_table
    GROUP BY lwAccount, accountId, provider
{{end}}

{{define "scored"}}
    SELECT
        a.*,
        {{curve}} AS total_coverage
    FROM ({{template "accounts"}}) AS a
{{end}}

{{define "report"}}
SELECT * FROM :db_table
ORDER BY lwAccount, accountId, severity_rank DESC, title
{{end}}

{{define "account_coverage"}}
SELECT * FROM ({{template "scored"}}) AS s
ORDER BY lwAccount, accountId
{{end}}

{{define "total_summary"}}
SELECT
    'Any' AS lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    SUM(total_findings) AS total_findings,
    {{sums}},
    CAST(AVG(total_coverage) AS INTEGER) AS total_coverage
FROM ({{template "scored"}}) AS s
{{end}}

{{define "lwaccount_summary"}}
SELECT
    lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    SUM(total_findings) AS total_findings,
    {{sums}},
    CAST(AVG(total_coverage) AS INTEGER) AS total_coverage
FROM ({{template "scored"}}) AS s
GROUP BY lwAccount
ORDER BY lwAccount
{{end}}

{{define "lwaccount"}}
SELECT DISTINCT lwAccount FROM :db_table ORDER BY lwAccount
{{end}}
`
