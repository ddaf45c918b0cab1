package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Flag decodes the platform's mixed boolean encodings (true/false or 1/0).
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("invalid flag %s", b)
		}
		*f = Flag(s == "1" || strings.EqualFold(s, "true"))
	}
	return nil
}

// Integration is a cloud integration record from the platform's registry.
type Integration struct {
	Type    AccountType      `json:"type"`
	Name    string           `json:"name"`
	IsOrg   Flag             `json:"isOrg"`
	Enabled Flag             `json:"enabled"`
	State   IntegrationState `json:"state"`
	Data    IntegrationData  `json:"data"`
}

// IntegrationState carries integration health and the per-project / per-subscription
// error maps whose keys enumerate the covered projects and subscriptions.
type IntegrationState struct {
	Ok      *bool `json:"ok"`
	Details struct {
		ProjectErrors      map[string]any `json:"projectErrors"`
		SubscriptionErrors map[string]any `json:"subscriptionErrors"`
	} `json:"details"`
}

// IntegrationData holds the provider specific identifiers of an integration.
type IntegrationData struct {
	ID                      string `json:"id"`
	IDType                  string `json:"idType"`
	TenantID                string `json:"tenantId"`
	CrossAccountCredentials struct {
		RoleArn string `json:"roleArn"`
	} `json:"crossAccountCredentials"`
}

// TelemetryCandidate is an account observed in agent machine tags.
type TelemetryCandidate struct {
	InstanceID string
	AccountID  string
	ProjectID  string
	VMProvider string // AWS, GCE or Azure
}

// Options control canonicalization.
type Options struct {
	// Organization is used for GCP integrations that do not declare one.
	Organization string
	// RequireOrganization rejects GCP projects without any organization id.
	RequireOrganization bool
	// IgnoreErrors downgrades rejected records to warnings.
	IgnoreErrors bool
	Logger       *zap.Logger
}

// accountSet tracks raw provider ids already emitted.
type accountSet map[Provider]map[string]struct{}

func newAccountSet() accountSet {
	s := make(accountSet, len(Providers))
	for _, p := range Providers {
		s[p] = make(map[string]struct{})
	}
	return s
}

func (s accountSet) has(p Provider, raw string) bool {
	_, ok := s[p][raw]
	return ok
}

func (s accountSet) add(p Provider, raw string) { s[p][raw] = struct{}{} }

// Canonicalize converts integration records and telemetry candidates into a
// duplicate-free account list for one tenant. Integrations are processed first so a
// telemetry candidate never replaces an integrated account.
func Canonicalize(tenant string, integrations []Integration, candidates []TelemetryCandidate, opts Options) ([]CloudAccount, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := newAccountSet()
	var accounts []CloudAccount

	for _, rec := range integrations {
		pairs, err := FromIntegration(rec, opts.Organization)
		if err != nil {
			logger.Warn("Skipping integration", zap.String("name", rec.Name), zap.Error(err))
			continue
		}

		for _, p := range pairs {
			if p.ID.Provider == ProviderGCP && p.ID.Scope == "" && opts.RequireOrganization {
				err := fmt.Errorf("%w: project %s (set an organization override)", ErrMissingOrganization, p.ID.ID)
				if !opts.IgnoreErrors {
					return nil, err
				}
				logger.Warn("Skipping GCP project", zap.String("project_id", p.ID.ID), zap.Error(err))
				// telemetry must not re-add the project without an organization
				seen.add(p.ID.Provider, p.ID.ID)
				continue
			}
			if seen.has(p.ID.Provider, p.ID.ID) {
				continue
			}
			seen.add(p.ID.Provider, p.ID.ID)

			state := rec.State.Ok
			isOrg := bool(rec.IsOrg)
			accounts = append(accounts, CloudAccount{
				LWAccount: tenant,
				AccountID: p.ID.String(),
				Name:      rec.Name,
				IsOrg:     &isOrg,
				Enabled:   bool(rec.Enabled),
				State:     state,
				Type:      rec.Type,
			})
		}
	}

	for _, c := range candidates {
		account, ok := reconcile(tenant, c, seen)
		if ok {
			accounts = append(accounts, account)
		}
	}

	return accounts, nil
}

// Pair is one canonical id derived from an integration record.
type Pair struct {
	ID          AccountID
	Integration Integration
}

// FromIntegration derives the canonical ids covered by a single integration record.
// An organization declared on the record wins over the override.
// Unknown integration types produce no ids.
func FromIntegration(rec Integration, organization string) ([]Pair, error) {
	switch rec.Type {
	case TypeAwsCfg:
		account, err := awsAccountFromRoleArn(rec.Data.CrossAccountCredentials.RoleArn)
		if err != nil {
			return nil, err
		}
		return []Pair{{ID: AWSAccountID(account), Integration: rec}}, nil

	case TypeGcpCfg:
		org := ""
		if strings.EqualFold(rec.Data.IDType, "ORGANIZATION") {
			org = rec.Data.ID
		}
		if org == "" {
			org = organization
		}
		projects := sortedKeys(rec.State.Details.ProjectErrors)
		return lo.Map(projects, func(project string, _ int) Pair {
			return Pair{ID: GCPAccountID(org, project), Integration: rec}
		}), nil

	case TypeAzureCfg:
		subscriptions := sortedKeys(rec.State.Details.SubscriptionErrors)
		return lo.Map(subscriptions, func(sub string, _ int) Pair {
			return Pair{ID: AzureAccountID(rec.Data.TenantID, sub), Integration: rec}
		}), nil
	}
	return nil, nil
}

// awsAccountFromRoleArn returns the fifth colon-delimited field of a role ARN.
func awsAccountFromRoleArn(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 || parts[4] == "" {
		return "", fmt.Errorf("%w: role arn %q", ErrMalformedAccountID, arn)
	}
	return parts[4], nil
}

func reconcile(tenant string, c TelemetryCandidate, seen accountSet) (CloudAccount, bool) {
	var (
		id  AccountID
		typ AccountType
	)
	switch {
	case c.AccountID != "" && c.VMProvider == "AWS":
		id, typ = AWSAccountID(c.AccountID), TypeAwsLql
	case c.ProjectID != "" && c.VMProvider == "GCE":
		id, typ = GCPAccountID("", c.ProjectID), TypeGcpLql
	case c.ProjectID != "" && c.VMProvider == "Azure":
		id, typ = AzureAccountID("", c.ProjectID), TypeAzureLql
	default:
		return CloudAccount{}, false
	}

	if seen.has(id.Provider, id.ID) {
		return CloudAccount{}, false
	}
	seen.add(id.Provider, id.ID)

	return CloudAccount{
		LWAccount: tenant,
		AccountID: id.String(),
		Name:      LQLDiscoveredName,
		Enabled:   true,
		Type:      typ,
	}, true
}

func sortedKeys(m map[string]any) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
