package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/samber/lo"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/providers"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

// SecurityHubProvider queries findings from AWS Security Hub
type SecurityHubProvider struct {
	client      securityhub.GetFindingsAPIClient
	minSeverity scoring.Severity
}

// NewSecurityHubProvider creates a new Security Hub provider
func NewSecurityHubProvider(cfg aws.Config, minSeverity scoring.Severity) *SecurityHubProvider {
	return newSecurityHubProvider(securityhub.NewFromConfig(cfg), minSeverity)
}

func newSecurityHubProvider(client securityhub.GetFindingsAPIClient, minSeverity scoring.Severity) *SecurityHubProvider {
	return &SecurityHubProvider{client: client, minSeverity: minSeverity}
}

// Findings retrieves active findings at or above the minimum severity
func (p *SecurityHubProvider) Findings(ctx context.Context) ([]providers.Finding, error) {
	var findings []providers.Finding

	paginator := securityhub.NewGetFindingsPaginator(p.client, &securityhub.GetFindingsInput{
		Filters:    findingFilters(p.minSeverity),
		MaxResults: aws.Int32(100),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get findings page: %w", err)
		}

		for _, f := range page.Findings {
			findings = append(findings, toFinding(f))
		}
	}

	return findings, nil
}

// Name returns the provider name
func (p *SecurityHubProvider) Name() string {
	return "aws-securityhub"
}

func findingFilters(minSeverity scoring.Severity) *types.AwsSecurityFindingFilters {
	equals := func(v string) types.StringFilter {
		return types.StringFilter{Value: aws.String(v), Comparison: types.StringFilterComparisonEquals}
	}

	return &types.AwsSecurityFindingFilters{
		WorkflowStatus: []types.StringFilter{equals("NEW"), equals("NOTIFIED")},
		RecordState:    []types.StringFilter{equals("ACTIVE")},
		SeverityLabel: lo.Map(minSeverity.AtLeast(), func(s scoring.Severity, _ int) types.StringFilter {
			return equals(severityLabel(s))
		}),
	}
}

func severityLabel(s scoring.Severity) string {
	if s == scoring.Info {
		return string(types.SeverityLabelInformational)
	}
	return strings.ToUpper(string(s))
}

func toFinding(f types.AwsSecurityFinding) providers.Finding {
	finding := providers.Finding{
		SourceID:    aws.ToString(f.Id),
		Title:       aws.ToString(f.Title),
		Description: aws.ToString(f.Description),
		Severity:    scoring.Info,
		Region:      aws.ToString(f.Region),
		Control:     aws.ToString(f.GeneratorId),
		Standard:    f.ProductFields["StandardsArn"],
		Account:     normalizer.AWSAccountID(aws.ToString(f.AwsAccountId)),
	}

	if f.Severity != nil {
		finding.Severity = providers.NormalizeSeverity(string(f.Severity.Label))
	}
	if f.Workflow != nil {
		finding.Status = string(f.Workflow.Status)
	}
	if len(f.Resources) > 0 {
		finding.ResourceID = aws.ToString(f.Resources[0].Id)
		finding.ResourceType = aws.ToString(f.Resources[0].Type)
	}

	return finding
}
