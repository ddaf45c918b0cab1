package gcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	securitycenter "cloud.google.com/go/securitycenter/apiv1"
	"cloud.google.com/go/securitycenter/apiv1/securitycenterpb"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/providers"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

// SCCProvider queries findings from GCP Security Command Center
type SCCProvider struct {
	client      *securitycenter.Client
	orgID       string
	minSeverity scoring.Severity
}

// NewSCCProvider creates a new Security Command Center provider
func NewSCCProvider(ctx context.Context, orgID string, minSeverity scoring.Severity) (*SCCProvider, error) {
	if orgID == "" {
		return nil, normalizer.ErrMissingOrganization
	}

	client, err := securitycenter.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create SCC client: %w", err)
	}

	return &SCCProvider{
		client:      client,
		orgID:       orgID,
		minSeverity: minSeverity,
	}, nil
}

// Findings retrieves active findings from every source of the organization
func (p *SCCProvider) Findings(ctx context.Context) ([]providers.Finding, error) {
	var findings []providers.Finding

	req := &securitycenterpb.ListFindingsRequest{
		Parent: fmt.Sprintf("organizations/%s/sources/-", p.orgID),
		Filter: findingFilter(p.minSeverity),
	}

	it := p.client.ListFindings(ctx, req)
	for {
		result, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate findings: %w", err)
		}

		var projectID string
		if r := result.GetResource(); r != nil {
			projectID = r.GetProjectDisplayName()
		}
		findings = append(findings, toFinding(p.orgID, result.GetFinding(), projectID))
	}

	return findings, nil
}

// Close closes the SCC client
func (p *SCCProvider) Close() error {
	return p.client.Close()
}

// Name returns the provider name
func (p *SCCProvider) Name() string {
	return "gcp-scc"
}

// SCC has no informational level; an info threshold drops the severity clause.
func findingFilter(minSeverity scoring.Severity) string {
	filter := `state="ACTIVE"`
	levels := lo.Filter(minSeverity.AtLeast(), func(s scoring.Severity, _ int) bool { return s != scoring.Info })
	if minSeverity == scoring.Info || len(levels) == 0 {
		return filter
	}
	clauses := lo.Map(levels, func(s scoring.Severity, _ int) string {
		return fmt.Sprintf(`severity="%s"`, strings.ToUpper(string(s)))
	})
	return filter + " AND (" + strings.Join(clauses, " OR ") + ")"
}

var (
	projectPattern = regexp.MustCompile(`/projects/([^/]+)`)
	servicePattern = regexp.MustCompile(`^//([^/]+)/`)
)

// extractProjectID returns the project segment of a full resource name such as
// //compute.googleapis.com/projects/{project-id}/zones/...
func extractProjectID(resourceName string) string {
	if m := projectPattern.FindStringSubmatch(resourceName); m != nil {
		return m[1]
	}
	return ""
}

// resourceService returns the API host of a full resource name, e.g.
// storage.googleapis.com.
func resourceService(resourceName string) string {
	if m := servicePattern.FindStringSubmatch(resourceName); m != nil {
		return m[1]
	}
	return ""
}

func toFinding(orgID string, f *securitycenterpb.Finding, fallbackProject string) providers.Finding {
	project := extractProjectID(f.GetResourceName())
	if project == "" {
		project = fallbackProject
	}

	severity := scoring.Info
	if f.GetSeverity() != securitycenterpb.Finding_SEVERITY_UNSPECIFIED {
		severity = providers.NormalizeSeverity(f.GetSeverity().String())
	}

	return providers.Finding{
		SourceID:     f.GetName(),
		Title:        f.GetCategory(),
		Description:  f.GetDescription(),
		Severity:     severity,
		Status:       f.GetState().String(),
		ResourceID:   f.GetResourceName(),
		ResourceType: resourceService(f.GetResourceName()),
		Control:      f.GetCategory(),
		Standard:     f.GetParent(),
		Account:      normalizer.GCPAccountID(orgID, project),
	}
}
