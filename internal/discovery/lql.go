package discovery

import (
	"regexp"
	"strings"
	"text/template"
)

// lqlTemplates holds the telemetry queries sent through the query collaborator.
// Account ids for machine level discovery are built inside the query text so the
// platform returns them in canonical form.
var lqlTemplates = template.Must(template.New("lql").Funcs(template.FuncMap{
	"lit": lqlString,
}).Parse(`
{{- define "gceAccountID" -}}
'gcp:' || ORGANIZATION::String || ':' || SUBSTRING(
    SUBSTRING(m.URN, CHAR_INDEX('/', m.URN)+34, LENGTH(m.URN)),
    0,
    CHAR_INDEX('/zones/', SUBSTRING(m.URN, CHAR_INDEX('/', m.URN)+35, LENGTH(m.URN)))
)
{{- end -}}

{{- define "gceFilter" -}}
m.SERVICE = 'compute'
        AND m.API_KEY = 'resource'
        AND KEY_EXISTS(m.RESOURCE_CONFIG:status)
        AND KEY_EXISTS(m.RESOURCE_CONFIG:machineType)
{{- end -}}

{{- define "agentAccounts" -}}
Custom_HE_Machine_1 {
    source {
        LW_HE_MACHINES m
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        m.TAGS:InstanceId::String AS instanceId,
        m.TAGS:Account::String AS accountId,
        m.TAGS:ProjectId::String AS projectId,
        m.TAGS:VmProvider::String AS VmProvider
    }
}
{{- end -}}

{{- define "activeMachines" -}}
Custom_HE_Machine_1 {
    source {
        LW_HE_MACHINES m
    }
    filter {
        {{.Filter}}
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        {{.AccountID}} AS accountId,
        m.TAGS:hostname::String AS tag_hostname,
        m.TAGS:InstanceId::String AS tag_instanceId,
        m.TAGS:Account::String AS tag_accountId,
        m.TAGS:ProjectId::String AS tag_projectId,
        m.TAGS:VmProvider::String AS tag_VmProvider,
        m.TAGS:LwTokenShort::String AS lwTokenShort
    }
}
{{- end -}}

{{- define "activeAccounts" -}}
Custom_HE_Machine_1 {
    source {
        LW_HE_MACHINES m
    }
    filter {
        {{.Filter}}
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        {{.AccountID}} AS accountId
    }
}
{{- end -}}

{{- define "ec2Accounts" -}}
ECS {
    source {
        LW_CFG_AWS_EC2_INSTANCES m
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        'aws:' || m.ACCOUNT_ID AS accountId
    }
}
{{- end -}}

{{- define "gceAccounts" -}}
GCE {
    source {
        LW_CFG_GCP_ALL m
    }
    filter {
        {{template "gceFilter"}}
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        {{template "gceAccountID"}} AS accountId
    }
}
{{- end -}}

{{- define "ec2Instances" -}}
ECS {
    source {
        LW_CFG_AWS_EC2_INSTANCES m
    }
{{- if .Filter}}
    filter {
        {{.Filter}}
    }
{{- end}}
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        'aws:' || m.ACCOUNT_ID AS accountId,
        m.RESOURCE_ID AS instanceId,
        SUBSTRING(
            SUBSTRING(m.RESOURCE_CONFIG:Tags::string, CHAR_INDEX('"Name",', m.RESOURCE_CONFIG:Tags::string)+16, LENGTH(m.RESOURCE_CONFIG:Tags::string)),
            0,
            CHAR_INDEX('"', SUBSTRING(m.RESOURCE_CONFIG:Tags::string, CHAR_INDEX('"Name",', m.RESOURCE_CONFIG:Tags::string)+17, LENGTH(m.RESOURCE_CONFIG:Tags::string)))
        ) AS name,
        m.RESOURCE_CONFIG:State.Name::String AS state,
        m.RESOURCE_CONFIG:Tags AS tags
    }
}
{{- end -}}

{{- define "gceInstances" -}}
GCE {
    source {
        LW_CFG_GCP_ALL m
    }
    filter {
        {{template "gceFilter"}}
{{- range .Predicates}}
        AND {{.}}
{{- end}}
    }
    return distinct {
        {{lit .Tenant}} AS lwAccount,
        {{template "gceAccountID"}} AS accountId,
        m.RESOURCE_CONFIG:id::string AS instanceId,
        m.RESOURCE_CONFIG:name::string AS name,
        m.RESOURCE_CONFIG:status::String AS state,
        m.RESOURCE_CONFIG:tags.items::string AS tags
    }
}
{{- end -}}
`))

type lqlArgs struct {
	Tenant     string
	Filter     string
	AccountID  string
	Predicates []string
}

func renderLQL(name string, args lqlArgs) (string, error) {
	var b strings.Builder
	if err := lqlTemplates.ExecuteTemplate(&b, name, args); err != nil {
		return "", err
	}
	return b.String(), nil
}

// lqlString quotes s as an LQL string literal.
func lqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var numeric = regexp.MustCompile(`^[0-9]+$`)

// lqlOrganization renders a GCP organization id. Numeric ids compare unquoted.
func lqlOrganization(org string) string {
	if numeric.MatchString(org) {
		return org
	}
	return lqlString(org)
}

func joinPredicates(preds ...string) string {
	out := make([]string, 0, len(preds))
	for _, p := range preds {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " AND ")
}
