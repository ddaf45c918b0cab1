// Package discovery finds the cloud accounts and machines visible to a tenant and
// fetches the per-account compliance and vulnerability reports.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/query"
)

// Options configure a Discoverer.
type Options struct {
	// IgnoreErrors logs remote API failures and returns partial results instead
	// of failing the call.
	IgnoreErrors bool
	// Organization is the GCP organization used when an integration or account
	// id does not carry one.
	Organization string
	// RequireOrganization drops GCP projects without an organization during
	// account discovery.
	RequireOrganization bool
	// Window bounds telemetry queries. Zero means the last 25 hours.
	Window query.Window
}

// DefaultOptions returns options with IgnoreErrors enabled.
func DefaultOptions() Options {
	return Options{IgnoreErrors: true}
}

// Discoverer queries the remote platform. It holds no results between calls.
type Discoverer struct {
	querier  query.Querier
	platform query.Platform
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Discoverer.
func New(querier query.Querier, platform query.Platform, logger *zap.Logger, opts Options) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		querier:  querier,
		platform: platform,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Discoverer) window() query.Window {
	if d.opts.Window.IsZero() {
		return query.DefaultWindow(d.now())
	}
	return d.opts.Window
}

// remoteFailure applies the IgnoreErrors policy to a failed remote call. Errors
// that are not remote API failures are always returned.
func (d *Discoverer) remoteFailure(op string, err error) error {
	if !query.IsRemoteAPIError(err) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	d.logger.Error("Remote API call failed", zap.String("op", op), zap.Error(err))
	if d.opts.IgnoreErrors {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// parseAccount logs and rejects malformed or unsupported account ids.
func (d *Discoverer) parseAccount(accountID string) (normalizer.AccountID, bool) {
	id, err := normalizer.ParseAccountID(accountID)
	if err != nil {
		d.logger.Warn("Skipping account", zap.String("account_id", accountID), zap.Error(err))
		return normalizer.AccountID{}, false
	}
	return id, true
}

func (d *Discoverer) runLQL(ctx context.Context, op, name string, args lqlArgs) ([]query.Row, error) {
	lql, err := renderLQL(name, args)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s query: %w", name, err)
	}

	d.logger.Debug("Executing LQL", zap.String("op", op), zap.String("template", name))
	rows, err := d.querier.Execute(ctx, query.Spec{
		ObjectType: query.ObjectQueries,
		Operation:  query.OperationExecute,
		LQL:        lql,
		Window:     d.window(),
	})
	if err != nil {
		return nil, d.remoteFailure(op, err)
	}
	return rows, nil
}

// Subaccounts lists the tenants of an organization. It returns nothing unless
// the current account is an organization and the caller is an org admin.
func (d *Discoverer) Subaccounts(ctx context.Context) ([]string, error) {
	isOrg, err := d.platform.OrganizationInfo(ctx)
	if err != nil {
		return nil, d.remoteFailure("get organization info", err)
	}
	if !isOrg {
		d.logger.Warn("Organization info not found, skipping subaccount enumeration")
		return nil, nil
	}

	profile, err := d.platform.Profile(ctx)
	if err != nil {
		return nil, d.remoteFailure("get user profile", err)
	}
	if !profile.OrgAdmin {
		d.logger.Warn("Current account is not org admin, skipping subaccount enumeration")
		return nil, nil
	}

	d.logger.Info("Enumerated subaccounts", zap.Int("count", len(profile.Accounts)))
	return profile.Accounts, nil
}

// CloudAccounts returns the integrated cloud accounts of a tenant followed by the
// accounts only seen in agent telemetry.
func (d *Discoverer) CloudAccounts(ctx context.Context, tenant string) ([]normalizer.CloudAccount, error) {
	integrations, err := d.platform.CloudIntegrations(ctx)
	if err != nil {
		if err := d.remoteFailure("list cloud integrations", err); err != nil {
			return nil, err
		}
	}

	rows, err := d.runLQL(ctx, "list agent accounts", "agentAccounts", lqlArgs{Tenant: tenant})
	if err != nil {
		return nil, err
	}
	candidates := lo.Map(rows, func(r query.Row, _ int) normalizer.TelemetryCandidate {
		return normalizer.TelemetryCandidate{
			InstanceID: stringField(r, "instanceId"),
			AccountID:  stringField(r, "accountId"),
			ProjectID:  stringField(r, "projectId"),
			VMProvider: stringField(r, "VmProvider"),
		}
	})

	accounts, err := normalizer.Canonicalize(tenant, integrations, candidates, normalizer.Options{
		Organization:        d.opts.Organization,
		RequireOrganization: d.opts.RequireOrganization,
		IgnoreErrors:        d.opts.IgnoreErrors,
		Logger:              d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize accounts for %s: %w", tenant, err)
	}

	d.logger.Info("Discovered cloud accounts",
		zap.String("tenant", tenant),
		zap.Int("integrations", len(integrations)),
		zap.Int("accounts", len(accounts)),
	)
	return accounts, nil
}

// stringField reads a string column ignoring key case; the platform returns
// upper-cased column names for some queries.
func stringField(r query.Row, key string) string {
	v, ok := r[key]
	if !ok {
		for k, val := range r {
			if strings.EqualFold(k, key) {
				v, ok = val, true
				break
			}
		}
	}
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// withContext copies rows and sets the accountId and lwAccount columns.
func withContext(rows []query.Row, tenant, accountID string, drop ...string) []query.Row {
	return lo.Map(rows, func(r query.Row, _ int) query.Row {
		out := lo.OmitByKeys(r, drop)
		out["accountId"] = accountID
		out["lwAccount"] = tenant
		return out
	})
}
