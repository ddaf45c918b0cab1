package aggregate

// Vulnerability scores host findings of agent-covered instances. Findings are
// deduplicated per (instance, vulnId) with _vulncount, each instance is counted
// once at rollup through _instcount, and instances without findings count as
// 100 in the fleet fold. Account and tenant rollups cover every account in the
// machines table, including accounts without findings.
var Vulnerability = newCatalog("vulnerability", 1, vulnerabilityTemplates,
	"report", "account_coverage", "total_summary", "lwaccount_summary", "lwaccount")

const vulnerabilityTemplates = `
{{define "findings"}}
        SELECT
            t.accountId,
            t.lwAccount,
            t.startTime,
            t.endTime,
            t.mid,
            json_extract(t.machineTags, '$.Hostname') AS hostname,
            json_extract(t.machineTags, '$.InstanceId') AS instanceId,
            json_extract(t.machineTags, '$.AmiId') AS amiId,
            t.vulnId,
            t.status,
            t.severity,
            CASE WHEN ROW_NUMBER() OVER (PARTITION BY json_extract(t.machineTags, '$.InstanceId'), t.vulnId) = 1 THEN 1 ELSE 0 END AS _vulncount,
            CASE WHEN ROW_NUMBER() OVER (PARTITION BY json_extract(t.machineTags, '$.InstanceId')) = 1 THEN 1 ELSE 0 END AS _instcount,
            {{severityFlags "t.severity"}},
            json_extract(t.featureKey, '$.name') AS package_name,
            json_extract(t.featureKey, '$.namespace') AS package_namespace,
            json_extract(t.featureKey, '$.package_active') AS package_active,
            json_extract(t.fixInfo, '$.eval_status') AS package_status,
            json_extract(t.featureKey, '$.version_installed') AS version,
            json_extract(t.fixInfo, '$.fix_available') AS fix_available,
            json_extract(t.fixInfo, '$.fixed_version') AS fixed_version,
            json_extract(t.machineTags, '$.Account') AS account,
            json_extract(t.machineTags, '$.ProjectId') AS projectId,
            COALESCE(json_extract(t.machineTags, '$.Env'), json_extract(t.machineTags, '$.Environment')) AS env,
            json_extract(t.machineTags, '$.ExternalIp') AS externalIp,
            json_extract(t.machineTags, '$.InternalIp') AS internalIp,
            json_extract(t.machineTags, '$.LwTokenShort') AS lwTokenShort,
            json_extract(t.machineTags, '$.SubnetId') AS subnetId,
            json_extract(t.machineTags, '$.VmInstanceType') AS vmInstanceType,
            json_extract(t.machineTags, '$.VmProvider') AS vmProvider,
            json_extract(t.machineTags, '$.VpcId') AS vpcId,
            json_extract(t.machineTags, '$.Zone') AS zone,
            json_extract(t.machineTags, '$.arch') AS arch,
            json_extract(t.machineTags, '$.os') AS os,
            json_extract(t.machineTags, '$') AS tags
        FROM
            :db_table AS t
        WHERE
            json_extract(t.machineTags, '$.InstanceId') IN (SELECT DISTINCT m.tag_instanceId FROM :machines_table AS m)
{{end}}

{{define "instances"}}
    SELECT
        t2.lwAccount,
        t2.accountId,
        t2.hostname,
        t2.instanceId,
        t2.amiId,
        t2.vulnId,
        t2.status,
        t2.severity,
        {{- if .}}
        t2._instcount,
        {{- end}}
        SUM(t2._vulncount) OVER (PARTITION BY t2.instanceId) AS total_violation_count,
        {{instanceTotals}},
        {{instanceScore}} AS total_coverage,
        t2.package_name,
        t2.package_namespace,
        t2.package_active,
        t2.package_status,
        t2.version,
        t2.fix_available,
        t2.fixed_version,
        t2.account,
        t2.projectId,
        t2.env,
        t2.externalIp,
        t2.internalIp,
        t2.lwTokenShort,
        t2.subnetId,
        t2.vmInstanceType,
        t2.vmProvider,
        t2.vpcId,
        t2.zone,
        t2.arch,
        t2.os,
        t2.tags
    FROM ({{template "findings"}}) AS t2
{{end}}

{{define "accounts"}}
    SELECT
        t3.lwAccount,
        t3.accountId,
        COUNT(DISTINCT t3.instanceId) AS total_assets_in_violation,
        {{weightedSums "_instcount" "total_"}},
        SUM(_instcount*total_violation_count) AS total_violation_count,
        SUM(_instcount*total_coverage) AS score_sum
    FROM ({{template "instances" true}}) AS t3
    GROUP BY t3.lwAccount, t3.accountId
{{end}}

{{define "inventory"}}
    SELECT
        m.lwAccount,
        m.accountId,
        COUNT(DISTINCT m.tag_instanceId) AS total_assets
    FROM :machines_table AS m
    GROUP BY m.lwAccount, m.accountId
{{end}}

{{define "fleet_accounts"}}
    SELECT
        inv.lwAccount,
        inv.accountId,
        inv.total_assets,
        COALESCE(a.total_assets_in_violation, 0) AS total_assets_in_violation,
        {{coalesced "a"}},
        COALESCE(a.total_violation_count, 0) AS total_violation_count,
        COALESCE(a.score_sum, 0) AS score_sum
    FROM ({{template "inventory"}}) AS inv
    LEFT JOIN ({{template "accounts"}}) AS a
        ON a.lwAccount = inv.lwAccount AND a.accountId = inv.accountId
{{end}}

{{define "rollup"}}
    SUM(total_assets_in_violation) AS total_assets_in_violation,
    SUM(total_assets) AS total_assets,
    {{sums}},
    SUM(total_violation_count) AS total_violation_count,
    {{fleet "SUM(total_assets)" "SUM(total_assets_in_violation)" "SUM(score_sum)"}} AS total_coverage
{{end}}

{{define "report"}}
SELECT * FROM ({{template "instances" false}}) AS t3
ORDER BY lwAccount, accountId, instanceId, vulnId
{{end}}

{{define "account_coverage"}}
SELECT
    lwAccount,
    accountId,
    total_assets_in_violation,
    total_assets,
    critical,
    high,
    medium,
    low,
    info,
    total_violation_count,
    {{fleet "total_assets" "total_assets_in_violation" "score_sum"}} AS total_coverage
FROM ({{template "fleet_accounts"}}) AS t4
ORDER BY lwAccount, accountId
{{end}}

{{define "total_summary"}}
SELECT
    'Any' AS lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    {{template "rollup"}}
FROM ({{template "fleet_accounts"}}) AS t4
{{end}}

{{define "lwaccount_summary"}}
SELECT
    lwAccount,
    COUNT(DISTINCT accountId) AS total_accounts,
    {{template "rollup"}}
FROM ({{template "fleet_accounts"}}) AS t4
GROUP BY lwAccount
ORDER BY lwAccount
{{end}}

{{define "lwaccount"}}
SELECT DISTINCT lwAccount FROM :db_table ORDER BY lwAccount
{{end}}
`
