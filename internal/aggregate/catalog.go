// Package aggregate holds the versioned query catalogs run against synced report
// tables and the engine that executes them.
package aggregate

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/samber/lo"

	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

// MachinesPlaceholder is replaced with the agent telemetry table.
const MachinesPlaceholder = ":machines_table"

// DefaultMachinesTable is the table ActiveMachines rows are synced into.
const DefaultMachinesTable = "machines"

// Template is a named query. SQL references store.TablePlaceholder and, for
// coverage joins, MachinesPlaceholder.
type Template struct {
	Name string
	SQL  string
}

// Catalog is a versioned set of templates for one report domain.
type Catalog struct {
	Name      string
	Version   int
	Templates []Template
}

// Names returns the template names in catalog order.
func (c Catalog) Names() []string {
	return lo.Map(c.Templates, func(t Template, _ int) string { return t.Name })
}

// Template returns the template called name.
func (c Catalog) Template(name string) (Template, bool) {
	return lo.Find(c.Templates, func(t Template) bool { return t.Name == name })
}

// Queries binds the machines table and returns the selected templates, or all
// of them when names is empty.
func (c Catalog) Queries(machinesTable string, names ...string) ([]store.NamedQuery, error) {
	selected := c.Templates
	if len(names) > 0 {
		selected = make([]Template, 0, len(names))
		for _, name := range names {
			t, ok := c.Template(name)
			if !ok {
				return nil, fmt.Errorf("catalog %s v%d has no query %q", c.Name, c.Version, name)
			}
			selected = append(selected, t)
		}
	}

	machines := store.QuoteIdent(machinesTable)
	return lo.Map(selected, func(t Template, _ int) store.NamedQuery {
		return store.NamedQuery{Name: t.Name, SQL: strings.ReplaceAll(t.SQL, MachinesPlaceholder, machines)}
	}), nil
}

// Catalogs lists every built-in catalog.
func Catalogs() []Catalog {
	return []Catalog{Agent, Compliance, Vulnerability, Native}
}

// Lookup returns the built-in catalog called name.
func Lookup(name string) (Catalog, bool) {
	return lo.Find(Catalogs(), func(c Catalog) bool { return c.Name == name })
}

// newCatalog renders each named define of text into a Template.
func newCatalog(name string, version int, text string, names ...string) Catalog {
	t := template.Must(template.New(name).Funcs(sqlFuncs).Parse(text))
	c := Catalog{Name: name, Version: version}
	for _, n := range names {
		var b strings.Builder
		if err := t.ExecuteTemplate(&b, n, nil); err != nil {
			panic(fmt.Sprintf("aggregate: render %s/%s: %v", name, n, err))
		}
		c.Templates = append(c.Templates, Template{Name: n, SQL: strings.TrimSpace(b.String())})
	}
	return c
}

const indent = "                "

// sqlFuncs render the scoring rules into the catalogs so SQL and Go share one
// definition of each curve.
var sqlFuncs = template.FuncMap{
	"severityName": func(code string) string {
		return scoring.SeverityNameSQL(code, indent)
	},
	"buckets": func(code, value string) string {
		return scoring.BucketSumsSQL(code, value, indent)
	},
	"coverage":        scoring.CoverageSQL,
	"controlCoverage": scoring.ControlCoverageSQL,
	"fleet":           scoring.FleetCoverageSQL,
	// 1/0 flag per bucket from a title-cased severity column
	"severityFlags": func(col string) string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("CASE WHEN %s = '%s' THEN 1 ELSE 0 END AS %s", col, s.Title(), s)
		})
	},
	// per-instance bucket totals over first-seen vulnerabilities
	"instanceTotals": func() string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("%s AS total_%s", instanceBucket(s), s)
		})
	},
	"instanceScore": func() string {
		return scoring.ScoreCaseSQL(instanceBucket, indent)
	},
	// count-weighted sums of a prefixed column per bucket
	"weightedSums": func(weight, prefix string) string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("SUM(%s*%s%s) AS %s", weight, prefix, s, s)
		})
	},
	// buckets of an outer-joined relation, zero when absent
	"coalesced": func(alias string) string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("COALESCE(%s.%s, 0) AS %s", alias, s, s)
		})
	},
	"sums": func() string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("SUM(%s) AS %s", s, s)
		})
	},
	"matchCounts": func(col string) string {
		return joinBuckets(func(s scoring.Severity) string {
			return fmt.Sprintf("SUM(CASE WHEN LOWER(%s) = '%s' THEN 1 ELSE 0 END) AS %s", col, s, s)
		})
	},
	"curve": func() string {
		return scoring.ScoreCaseSQL(func(s scoring.Severity) string { return string(s) }, indent)
	},
}

func instanceBucket(s scoring.Severity) string {
	return fmt.Sprintf("SUM((t2.%s*t2._vulncount)) OVER (PARTITION BY t2.instanceId)", s)
}

func joinBuckets(col func(scoring.Severity) string) string {
	return strings.Join(lo.Map(scoring.Severities, func(s scoring.Severity, _ int) string { return col(s) }), ",\n"+indent)
}
