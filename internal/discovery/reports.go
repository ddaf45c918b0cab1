package discovery

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/query"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

// ComplianceType names a compliance report on the remote platform.
type ComplianceType string

var (
	AWSComplianceTypes = []ComplianceType{
		"AWS_CIS_S3", "NIST_800-53_Rev4", "NIST_800-171_Rev2", "ISO_2700",
		"HIPAA", "SOC", "AWS_SOC_Rev2", "PCI",
	}
	GCPComplianceTypes = []ComplianceType{
		"GCP_CIS", "GCP_SOC", "GCP_CIS12", "GCP_K8S", "GCP_PCI_Rev2", "GCP_SOC_Rev2",
		"GCP_HIPAA_Rev2", "GCP_ISO_27001", "GCP_NIST_CSF", "GCP_NIST_800_53_REV4",
		"GCP_NIST_800_171_REV2", "GCP_PCI",
	}
	AzureComplianceTypes = []ComplianceType{
		"AZURE_CIS", "AZURE_CIS_131", "AZURE_SOC", "AZURE_SOC_Rev2", "AZURE_PCI",
		"AZURE_PCI_Rev2", "AZURE_ISO_27001", "AZURE_NIST_CSF", "AZURE_NIST_800_53_REV5",
		"AZURE_NIST_800_171_REV2", "AZURE_HIPAA",
	}
)

// ComplianceTypes selects the report fetched for each provider.
type ComplianceTypes struct {
	AWS   ComplianceType `yaml:"aws"`
	GCP   ComplianceType `yaml:"gcp"`
	Azure ComplianceType `yaml:"azure"`
}

// DefaultComplianceTypes returns the CIS benchmark of each provider.
func DefaultComplianceTypes() ComplianceTypes {
	return ComplianceTypes{AWS: "AWS_CIS_S3", GCP: "GCP_CIS12", Azure: "AZURE_CIS_131"}
}

// Validate checks every selected type against its provider's supported set.
func (c ComplianceTypes) Validate() error {
	for _, p := range normalizer.Providers {
		t, supported := c.forProvider(p)
		if !lo.Contains(supported, t) {
			return fmt.Errorf("unsupported %s compliance report type %q", p, t)
		}
	}
	return nil
}

func (c ComplianceTypes) forProvider(p normalizer.Provider) (ComplianceType, []ComplianceType) {
	switch p {
	case normalizer.ProviderAWS:
		return c.AWS, AWSComplianceTypes
	case normalizer.ProviderGCP:
		return c.GCP, GCPComplianceTypes
	default:
		return c.Azure, AzureComplianceTypes
	}
}

// ComplianceReport fetches the latest compliance report of one account. The
// returned row carries accountId and lwAccount in place of the provider id fields.
func (d *Discoverer) ComplianceReport(ctx context.Context, tenant, accountID string, types ComplianceTypes) ([]query.Row, error) {
	id, ok := d.parseAccount(accountID)
	if !ok {
		return nil, nil
	}

	reportType, supported := types.forProvider(id.Provider)
	if !lo.Contains(supported, reportType) {
		d.logger.Warn("Unsupported compliance report type",
			zap.String("account_id", accountID),
			zap.String("report_type", string(reportType)),
		)
		return nil, nil
	}

	req := query.ComplianceRequest{Provider: string(id.Provider), ReportType: string(reportType)}
	var drop []string
	switch id.Provider {
	case normalizer.ProviderAWS:
		req.AccountID = id.ID
	case normalizer.ProviderGCP:
		org := id.Scope
		if org == "" {
			org = d.opts.Organization
		}
		if org == "" {
			err := fmt.Errorf("%w: project %s (set an organization override)", normalizer.ErrMissingOrganization, id.ID)
			if !d.opts.IgnoreErrors {
				return nil, err
			}
			d.logger.Warn("Skipping GCP project", zap.String("project_id", id.ID), zap.Error(err))
			return nil, nil
		}
		req.OrganizationID, req.ProjectID = org, id.ID
		drop = []string{"organizationId", "projectId"}
	case normalizer.ProviderAzure:
		req.TenantID, req.SubscriptionID = id.Scope, id.ID
		drop = []string{"tenantId", "subscriptionId"}
	}

	rows, err := d.platform.LatestComplianceReport(ctx, req)
	if err != nil {
		return nil, d.remoteFailure("get compliance report for "+accountID, err)
	}
	if len(rows) == 0 {
		d.logger.Warn("No compliance report found",
			zap.String("account_id", accountID),
			zap.String("report_type", string(reportType)),
		)
		return nil, nil
	}

	// only the most recent report is kept
	return withContext(rows[len(rows)-1:], tenant, accountID, drop...), nil
}

// VulnerabilityOptions narrow a host vulnerability report.
type VulnerabilityOptions struct {
	Fixable bool `yaml:"fixable"`
	// Severity is the lowest severity included.
	Severity  scoring.Severity `yaml:"severity"`
	Namespace string           `yaml:"namespace"`
	CVE       string           `yaml:"cve"`
	// Window overrides the collaborator's default time range when set.
	Window query.Window `yaml:"-"`
}

// DefaultVulnerabilityOptions returns fixable findings of high severity and above.
func DefaultVulnerabilityOptions() VulnerabilityOptions {
	return VulnerabilityOptions{Fixable: true, Severity: scoring.High}
}

// VulnerabilityReturns are the fields requested from the host vulnerability feed.
var VulnerabilityReturns = []string{
	"startTime", "endTime", "severity", "status", "vulnId", "mid",
	"featureKey", "machineTags", "fixInfo", "cveProps",
}

// VulnerabilityFilters builds the host vulnerability filters for one account.
func VulnerabilityFilters(id normalizer.AccountID, opts VulnerabilityOptions) ([]query.Filter, error) {
	threshold, ok := scoring.ParseSeverity(string(opts.Severity))
	if !ok {
		return nil, fmt.Errorf("unsupported severity %q", opts.Severity)
	}
	severities := lo.Map(threshold.AtLeast(), func(s scoring.Severity, _ int) any { return s.Title() })

	fixable := 0
	if opts.Fixable {
		fixable = 1
	}

	filters := []query.Filter{
		{Field: "status", Expression: "in", Values: []any{"New", "Active", "Reopened"}},
		{Field: "severity", Expression: "in", Values: severities},
		{Field: "fixInfo.fix_available", Expression: "eq", Value: fixable},
	}
	if opts.Namespace != "" {
		filters = append(filters, query.Filter{Field: "featureKey.namespace", Expression: "rlike", Value: opts.Namespace})
	}
	if opts.CVE != "" {
		filters = append(filters, query.Filter{Field: "vulnId", Expression: "rlike", Value: opts.CVE})
	}

	switch id.Provider {
	case normalizer.ProviderAWS:
		filters = append(filters, query.Filter{Field: "machineTags.VmProvider", Expression: "in", Values: []any{vmProviderAWS}})
		if !id.AnyID() {
			filters = append(filters, query.Filter{Field: "machineTags.Account", Expression: "eq", Value: id.ID})
		}
	case normalizer.ProviderGCP:
		filters = append(filters, query.Filter{Field: "machineTags.VmProvider", Expression: "eq", Value: vmProviderGCE})
		if !id.AnyID() {
			filters = append(filters, query.Filter{Field: "machineTags.ProjectId", Expression: "eq", Value: id.ID})
		}
	case normalizer.ProviderAzure:
		filters = append(filters, query.Filter{Field: "machineTags.VmProvider", Expression: "in", Values: []any{vmProviderAzure}})
		if !id.AnyID() {
			filters = append(filters, query.Filter{Field: "machineTags.ProjectId", Expression: "in", Values: []any{id.ID}})
		}
	}
	return filters, nil
}

// VulnerabilityReport fetches active host vulnerabilities of one account with
// accountId and lwAccount set on every row.
func (d *Discoverer) VulnerabilityReport(ctx context.Context, tenant, accountID string, opts VulnerabilityOptions) ([]query.Row, error) {
	id, ok := d.parseAccount(accountID)
	if !ok {
		return nil, nil
	}

	filters, err := VulnerabilityFilters(id, opts)
	if err != nil {
		d.logger.Warn("Skipping vulnerability report", zap.String("account_id", accountID), zap.Error(err))
		return nil, nil
	}

	rows, err := d.querier.Execute(ctx, query.Spec{
		ObjectType: query.ObjectVulnerabilities,
		Operation:  query.OperationHosts,
		Filters:    filters,
		Returns:    VulnerabilityReturns,
		Window:     opts.Window,
	})
	if err != nil {
		return nil, d.remoteFailure("get vulnerability report for "+accountID, err)
	}

	d.logger.Info("Fetched vulnerability report",
		zap.String("tenant", tenant),
		zap.String("account_id", accountID),
		zap.Int("findings", len(rows)),
	)
	return withContext(rows, tenant, accountID), nil
}
