package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/query"
)

// VM provider tag values written by the agent.
const (
	vmProviderAWS   = "AWS"
	vmProviderGCE   = "GCE"
	vmProviderAzure = "Azure"
)

// ActiveMachines returns the machines running an agent in one account. Rows carry
// lwAccount, accountId, tag_hostname, tag_instanceId, tag_accountId,
// tag_projectId, tag_VmProvider and lwTokenShort.
func (d *Discoverer) ActiveMachines(ctx context.Context, tenant, accountID string) ([]query.Row, error) {
	id, ok := d.parseAccount(accountID)
	if !ok {
		return nil, nil
	}

	args := lqlArgs{Tenant: tenant}
	switch id.Provider {
	case normalizer.ProviderAWS:
		args.AccountID = "'aws:' || m.TAGS:Account::String"
		args.Filter = joinPredicates(
			idPredicate(id.AnyID(), "m.TAGS:Account::String", id.ID),
			providerPredicate(vmProviderAWS),
		)
	case normalizer.ProviderGCP:
		args.AccountID = fmt.Sprintf("'gcp:' || %s || ':' || m.TAGS:ProjectId::String", lqlString(scopeLiteral(id)))
		args.Filter = joinPredicates(
			idPredicate(id.AnyID(), "m.TAGS:ProjectId::String", id.ID),
			providerPredicate(vmProviderGCE),
		)
	case normalizer.ProviderAzure:
		args.AccountID = fmt.Sprintf("'az:' || %s || ':' || m.TAGS:ProjectId::String", lqlString(scopeLiteral(id)))
		args.Filter = joinPredicates(
			idPredicate(id.AnyID(), "m.TAGS:ProjectId::String", id.ID),
			providerPredicate(vmProviderAzure),
		)
	}

	rows, err := d.runLQL(ctx, "list active machines", "activeMachines", args)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Discovered active machines",
		zap.String("tenant", tenant),
		zap.String("account_id", accountID),
		zap.Int("machines", len(rows)),
	)
	return rows, nil
}

// DiscoveredMachines returns the compute instances recorded by configuration
// telemetry for one account, with or without an agent. Azure is not supported.
func (d *Discoverer) DiscoveredMachines(ctx context.Context, tenant, accountID string) ([]query.Row, error) {
	id, ok := d.parseAccount(accountID)
	if !ok {
		return nil, nil
	}

	var (
		name string
		args = lqlArgs{Tenant: tenant}
	)
	switch id.Provider {
	case normalizer.ProviderAWS:
		name = "ec2Instances"
		if !id.AnyID() {
			args.Filter = "ACCOUNT_ID = " + lqlString(id.ID)
		}
	case normalizer.ProviderGCP:
		name = "gceInstances"
		if !id.AnyScope() && id.Scope != "" {
			args.Predicates = append(args.Predicates, "ORGANIZATION = "+lqlOrganization(id.Scope))
		}
		if !id.AnyID() {
			args.Predicates = append(args.Predicates,
				fmt.Sprintf("CONTAINS(m.URN, %s)", lqlString("://compute.googleapis.com/projects/"+id.ID+"/")))
		}
	default:
		d.logger.Warn("Unsupported cloud provider for machine discovery", zap.String("account_id", accountID))
		return nil, nil
	}

	rows, err := d.runLQL(ctx, "list discovered machines", name, args)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Discovered machines",
		zap.String("tenant", tenant),
		zap.String("account_id", accountID),
		zap.Int("machines", len(rows)),
	)
	return rows, nil
}

// DiscoveredCloudAccounts returns the distinct accounts owning EC2 or GCE
// instances. A failed provider query contributes nothing when errors are ignored.
func (d *Discoverer) DiscoveredCloudAccounts(ctx context.Context, tenant string) ([]query.Row, error) {
	var out []query.Row
	for _, name := range []string{"ec2Accounts", "gceAccounts"} {
		rows, err := d.runLQL(ctx, "list discovered accounts", name, lqlArgs{Tenant: tenant})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ActiveCloudAccounts returns the distinct accounts running agents, queried per
// provider. GCP and Azure ids carry an empty scope segment.
func (d *Discoverer) ActiveCloudAccounts(ctx context.Context, tenant string) ([]query.Row, error) {
	perProvider := []lqlArgs{
		{Filter: providerPredicate(vmProviderAWS), AccountID: "'aws:' || m.TAGS:Account::String"},
		{Filter: providerPredicate(vmProviderGCE), AccountID: "'gcp::' || m.TAGS:ProjectId::String"},
		{Filter: providerPredicate(vmProviderAzure), AccountID: "'az::' || m.TAGS:ProjectId::String"},
	}

	var out []query.Row
	for _, args := range perProvider {
		args.Tenant = tenant
		rows, err := d.runLQL(ctx, "list active accounts", "activeAccounts", args)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func providerPredicate(vmProvider string) string {
	return fmt.Sprintf("m.TAGS:VmProvider::String IN (%s)", lqlString(vmProvider))
}

func idPredicate(wildcard bool, field, value string) string {
	if wildcard {
		return ""
	}
	return fmt.Sprintf("%s = %s", field, lqlString(value))
}

// scopeLiteral is the scope segment written into synthesised account ids.
// A wildcard scope has no single value and is left empty.
func scopeLiteral(id normalizer.AccountID) string {
	if id.AnyScope() {
		return ""
	}
	return id.Scope
}
