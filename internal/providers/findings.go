// Package providers pulls findings from the cloud posture services and turns
// them into rows for the native catalog.
package providers

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

// Finding is a posture finding keyed by its canonical account.
type Finding struct {
	SourceID     string
	Title        string
	Description  string
	Severity     scoring.Severity
	Status       string
	ResourceID   string
	ResourceType string
	Region       string
	Control      string
	Standard     string
	Account      normalizer.AccountID
}

// Source is one cloud posture service.
type Source interface {
	Name() string
	Findings(ctx context.Context) ([]Finding, error)
}

// Row flattens f into a native report row labelled with tenant.
func (f Finding) Row(tenant string) store.Row {
	account := f.Account.String()
	return store.Row{
		"lwAccount":     tenant,
		"accountId":     account,
		"provider":      string(f.Account.Provider),
		"findingId":     normalizer.GenerateShortID(string(f.Account.Provider), account, f.Control, f.ResourceID),
		"sourceId":      f.SourceID,
		"title":         f.Title,
		"description":   f.Description,
		"severity":      string(f.Severity),
		"severity_rank": f.Severity.Code(),
		"status":        f.Status,
		"resourceId":    f.ResourceID,
		"resourceType":  f.ResourceType,
		"region":        f.Region,
		"controlId":     f.Control,
		"standard":      f.Standard,
	}
}

// NormalizeSeverity maps a service severity label onto a bucket. Unknown labels
// count as info.
func NormalizeSeverity(label string) scoring.Severity {
	if s, ok := scoring.ParseSeverity(label); ok {
		return s
	}
	return scoring.Info
}

// Collect pulls every source and returns the rows of all findings. A failing
// source is logged and skipped when ignoreErrors is set.
func Collect(ctx context.Context, tenant string, sources []Source, ignoreErrors bool, logger *zap.Logger) ([]store.Row, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		rows []store.Row
		all  []Finding
	)
	for _, src := range sources {
		findings, err := src.Findings(ctx)
		if err != nil {
			logger.Error("Failed to get findings",
				zap.String("source", src.Name()),
				zap.Error(err),
			)
			if ignoreErrors {
				continue
			}
			return nil, fmt.Errorf("%s: %w", src.Name(), err)
		}

		logger.Info("Retrieved findings",
			zap.String("source", src.Name()),
			zap.Int("count", len(findings)),
		)
		for _, f := range findings {
			rows = append(rows, f.Row(tenant))
		}
		all = append(all, findings...)
	}

	tally := Tally(all)
	accounts := lo.Keys(tally)
	sort.Strings(accounts)
	for _, account := range accounts {
		c := tally[account]
		logger.Debug("Account findings",
			zap.String("account_id", account),
			zap.Int("findings", c.Total()),
			zap.Int("critical", c.Critical),
			zap.Int("high", c.High),
			zap.Int("score", scoring.InstanceScore(c)),
		)
	}
	return rows, nil
}

// Tally counts findings per canonical account and severity bucket.
func Tally(findings []Finding) map[string]scoring.Counts {
	out := make(map[string]scoring.Counts)
	for _, f := range findings {
		account := f.Account.String()
		c := out[account]
		c.Add(f.Severity, 1)
		out[account] = c
	}
	return out
}
