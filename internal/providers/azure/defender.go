package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"
	"github.com/samber/lo"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/providers"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

// DefenderProvider queries findings from Azure Defender for Cloud
type DefenderProvider struct {
	client        *armresourcegraph.Client
	tenantID      string
	subscriptions []string
	minSeverity   scoring.Severity
}

// NewDefenderProvider creates a new Defender for Cloud provider. tenantID labels
// rows whose Resource Graph record carries no tenant.
func NewDefenderProvider(cred *azidentity.DefaultAzureCredential, tenantID string, subscriptions []string, minSeverity scoring.Severity) (*DefenderProvider, error) {
	if len(subscriptions) == 0 {
		return nil, fmt.Errorf("no Azure subscriptions configured")
	}

	client, err := armresourcegraph.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource graph client: %w", err)
	}

	return &DefenderProvider{
		client:        client,
		tenantID:      tenantID,
		subscriptions: subscriptions,
		minSeverity:   minSeverity,
	}, nil
}

// Findings retrieves unhealthy assessments from Defender for Cloud, following
// skip tokens until the result set is exhausted.
func (p *DefenderProvider) Findings(ctx context.Context) ([]providers.Finding, error) {
	var findings []providers.Finding

	query := assessmentQuery(p.minSeverity)
	subscriptions := lo.ToSlicePtr(p.subscriptions)

	var skipToken *string
	for {
		result, err := p.client.Resources(ctx, armresourcegraph.QueryRequest{
			Query:         &query,
			Subscriptions: subscriptions,
			Options:       &armresourcegraph.QueryRequestOptions{SkipToken: skipToken},
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query resource graph: %w", err)
		}

		page, err := parseRows(result.Data, p.tenantID)
		if err != nil {
			return nil, err
		}
		findings = append(findings, page...)

		if result.SkipToken == nil || *result.SkipToken == "" {
			break
		}
		skipToken = result.SkipToken
	}

	return findings, nil
}

// Name returns the provider name
func (p *DefenderProvider) Name() string {
	return "azure-defender"
}

// Defender grades assessments High, Medium or Low; a critical threshold keeps High.
func assessmentQuery(minSeverity scoring.Severity) string {
	levels := lo.FilterMap(minSeverity.AtLeast(), func(s scoring.Severity, _ int) (string, bool) {
		if s == scoring.Critical || s == scoring.Info {
			return "", false
		}
		return fmt.Sprintf("%q", s.Title()), true
	})
	if len(levels) == 0 {
		levels = []string{`"High"`}
	}

	return fmt.Sprintf(`
		securityresources
		| where type == "microsoft.security/assessments"
		| where properties.status.code == "Unhealthy"
		| where properties.metadata.severity in (%s)
		| project
			id,
			name,
			tenantId,
			subscriptionId,
			resourceGroup,
			location,
			severity = tostring(properties.metadata.severity),
			title = tostring(properties.displayName),
			description = tostring(properties.metadata.description),
			resourceId = tostring(properties.resourceDetails.Id),
			resourceType = tostring(properties.resourceDetails.ResourceType),
			control = tostring(properties.metadata.assessmentKey),
			standard = tostring(properties.metadata.policyDefinitionId)
	`, strings.Join(levels, ", "))
}

func parseRows(data any, fallbackTenant string) ([]providers.Finding, error) {
	if data == nil {
		return nil, nil
	}
	items, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result format %T", data)
	}

	var findings []providers.Finding
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}

		tenant := getString(row, "tenantId")
		if tenant == "" {
			tenant = fallbackTenant
		}

		findings = append(findings, providers.Finding{
			SourceID:     getString(row, "id"),
			Title:        getString(row, "title"),
			Description:  getString(row, "description"),
			Severity:     providers.NormalizeSeverity(getString(row, "severity")),
			Status:       "Unhealthy",
			ResourceID:   getString(row, "resourceId"),
			ResourceType: getString(row, "resourceType"),
			Region:       getString(row, "location"),
			Control:      getString(row, "control"),
			Standard:     getString(row, "standard"),
			Account:      normalizer.AzureAccountID(tenant, getString(row, "subscriptionId")),
		})
	}
	return findings, nil
}

// getString safely extracts a string from a map
func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}
