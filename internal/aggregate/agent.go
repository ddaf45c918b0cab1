package aggregate

// Agent compares discovered instances with the machines running an agent.
// has_agent counts matching agent rows, so duplicate agent rows inflate coverage.
var Agent = newCatalog("agent", 1, agentTemplates,
	"report", "account_coverage", "total_summary", "lwaccount_summary", "lwaccount")

const agentTemplates = `
{{define "instances"}}
    SELECT
        dm.lwAccount AS lwAccount,
        dm.accountId AS accountId,
        dm.instanceId AS instanceId,
        dm.name AS name,
        LOWER(dm.state) AS state,
        dm.tags AS tags,
        (SELECT COUNT(*) FROM :machines_table AS m WHERE m.tag_instanceId = dm.instanceId) AS has_agent,
        (SELECT m.lwTokenShort FROM :machines_table AS m WHERE m.tag_instanceId = dm.instanceId LIMIT 1) AS lwTokenShort
    FROM
        :db_table AS dm
{{end}}

{{define "report"}}
SELECT * FROM ({{template "instances"}}) AS t
ORDER BY lwAccount, accountId, instanceId
{{end}}

{{define "account_coverage"}}
SELECT
    lwAccount,
    accountId,
    SUM(has_agent) AS total_installed,
    COUNT(*) AS total,
    CASE WHEN COUNT(*) = 0 THEN NULL ELSE SUM(has_agent)*100/COUNT(*) END AS total_coverage
FROM ({{template "instances"}}) AS t
WHERE state = 'running'
GROUP BY lwAccount, accountId
ORDER BY lwAccount, accountId
{{end}}

{{define "total_summary"}}
SELECT
    'Any' AS lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    SUM(has_agent) AS total_installed,
    COUNT(*)-SUM(has_agent) AS total_not_installed,
    COUNT(*) AS total,
    CASE WHEN COUNT(*) = 0 THEN NULL ELSE SUM(has_agent)*100/COUNT(*) END AS total_coverage
FROM ({{template "instances"}}) AS t
WHERE state = 'running'
{{end}}

{{define "lwaccount_summary"}}
SELECT
    lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    SUM(has_agent) AS total_installed,
    COUNT(*)-SUM(has_agent) AS total_not_installed,
    COUNT(*) AS total,
    CASE WHEN COUNT(*) = 0 THEN NULL ELSE SUM(has_agent)*100/COUNT(*) END AS total_coverage
FROM ({{template "instances"}}) AS t
WHERE state = 'running'
GROUP BY lwAccount
ORDER BY lwAccount
{{end}}

{{define "lwaccount"}}
SELECT DISTINCT lwAccount FROM :db_table ORDER BY lwAccount
{{end}}
`
