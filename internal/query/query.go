// Package query defines the contracts of the remote security platform consumed by
// discovery and report collection.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
)

// Row is a single result record. Keys are not fixed across rows.
type Row = map[string]any

// DefaultLookback is the query window used when none is given.
const DefaultLookback = 25 * time.Hour

// Window is an explicit UTC time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow returns now-25h .. now in UTC.
func DefaultWindow(now time.Time) Window {
	end := now.UTC()
	return Window{Start: end.Add(-DefaultLookback), End: end}
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

// Object types and operations understood by the query collaborator.
const (
	ObjectQueries         = "queries"
	ObjectVulnerabilities = "vulnerabilities"

	OperationExecute = "execute"
	OperationHosts   = "hosts"
)

// Filter is a structured predicate on a result field.
type Filter struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
	Value      any    `json:"value,omitempty"`
	Values     []any  `json:"values,omitempty"`
}

// Spec describes one remote query.
type Spec struct {
	ObjectType string
	Operation  string
	Filters    []Filter
	Returns    []string
	LQL        string
	Window     Window
}

// Querier executes a query against the remote platform and returns every result row.
type Querier interface {
	Execute(ctx context.Context, spec Spec) ([]Row, error)
}

// ComplianceRequest identifies the latest compliance report for one account.
type ComplianceRequest struct {
	Provider   string // aws, gcp or az
	ReportType string
	// AWS account number, GCP organization/project, or Azure tenant/subscription.
	AccountID      string
	OrganizationID string
	ProjectID      string
	TenantID       string
	SubscriptionID string
}

// UserProfile is the caller's profile within an organization.
type UserProfile struct {
	OrgAdmin bool
	Accounts []string
}

// Platform exposes the non-query endpoints of the remote platform.
type Platform interface {
	// CloudIntegrations returns the configured cloud integration records.
	CloudIntegrations(ctx context.Context) ([]normalizer.Integration, error)
	// LatestComplianceReport returns the latest report rows for one account.
	LatestComplianceReport(ctx context.Context, req ComplianceRequest) ([]Row, error)
	// OrganizationInfo reports whether the current account is an organization.
	OrganizationInfo(ctx context.Context) (bool, error)
	// Profile returns the caller's user profile.
	Profile(ctx context.Context) (UserProfile, error)
}

// RemoteAPIError is a failure reported by the remote platform.
type RemoteAPIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote api %s returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote api %s: %v", e.Op, e.Err)
}

func (e *RemoteAPIError) Unwrap() error { return e.Err }

// IsRemoteAPIError reports whether err wraps a RemoteAPIError.
func IsRemoteAPIError(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr)
}
