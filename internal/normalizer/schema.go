package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingOrganization is returned when a GCP project has no resolvable organization id.
	ErrMissingOrganization = errors.New("gcp organization id not available")
	// ErrUnsupportedProvider is returned for provider prefixes other than aws, gcp and az.
	ErrUnsupportedProvider = errors.New("unsupported cloud provider")
	// ErrMalformedAccountID is returned when a composite account id has the wrong shape.
	ErrMalformedAccountID = errors.New("malformed account id")
)

// Wildcard disables filtering on an account id segment.
const Wildcard = "*"

// Provider is the prefix of a canonical account id.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "az"
)

// Providers lists the supported providers in discovery order.
var Providers = []Provider{ProviderAWS, ProviderGCP, ProviderAzure}

// AccountType records where an account was discovered
type AccountType string

const (
	TypeAwsCfg   AccountType = "AwsCfg"
	TypeGcpCfg   AccountType = "GcpCfg"
	TypeAzureCfg AccountType = "AzureCfg"

	// Accounts inferred from agent telemetry rather than a cloud integration.
	TypeAwsLql   AccountType = "AwsLql"
	TypeGcpLql   AccountType = "GcpLql"
	TypeAzureLql AccountType = "AzureLql"
)

// Provider returns the provider an account type belongs to.
func (t AccountType) Provider() (Provider, bool) {
	switch t {
	case TypeAwsCfg, TypeAwsLql:
		return ProviderAWS, true
	case TypeGcpCfg, TypeGcpLql:
		return ProviderGCP, true
	case TypeAzureCfg, TypeAzureLql:
		return ProviderAzure, true
	default:
		return "", false
	}
}

// Discovered reports whether the account was inferred from telemetry.
func (t AccountType) Discovered() bool {
	return t == TypeAwsLql || t == TypeGcpLql || t == TypeAzureLql
}

// LQLDiscoveredName is the display name given to telemetry-derived accounts.
const LQLDiscoveredName = "LQL Discovered"

// CloudAccount is a cloud account visible to one tenant.
type CloudAccount struct {
	LWAccount string      `json:"lwAccount"`
	AccountID string      `json:"accountId"`
	Name      string      `json:"name"`
	IsOrg     *bool       `json:"isOrg"`
	Enabled   bool        `json:"enabled"`
	State     *bool       `json:"state"`
	Type      AccountType `json:"type"`
}

// Row returns the account in the map form accepted by the sync store.
func (a CloudAccount) Row() map[string]any {
	row := map[string]any{
		"lwAccount": a.LWAccount,
		"accountId": a.AccountID,
		"name":      a.Name,
		"isOrg":     nil,
		"enabled":   a.Enabled,
		"state":     nil,
		"type":      string(a.Type),
	}
	if a.IsOrg != nil {
		row["isOrg"] = *a.IsOrg
	}
	if a.State != nil {
		row["state"] = *a.State
	}
	return row
}

// AccountID is a parsed composite account id of the form {provider}:{scope}:{id}.
// AWS ids carry no scope segment.
type AccountID struct {
	Provider Provider
	Scope    string // GCP organization id or Azure tenant id
	ID       string // AWS account number, GCP project id or Azure subscription id
}

// AWSAccountID builds the canonical id of an AWS account.
func AWSAccountID(account string) AccountID {
	return AccountID{Provider: ProviderAWS, ID: account}
}

// GCPAccountID builds the canonical id of a GCP project. org may be empty.
func GCPAccountID(org, project string) AccountID {
	return AccountID{Provider: ProviderGCP, Scope: org, ID: project}
}

// AzureAccountID builds the canonical id of an Azure subscription.
// Subscription ids are upper-cased so both discovery paths agree.
func AzureAccountID(tenant, subscription string) AccountID {
	return AccountID{Provider: ProviderAzure, Scope: tenant, ID: strings.ToUpper(subscription)}
}

func (id AccountID) String() string {
	if id.Provider == ProviderAWS {
		return string(id.Provider) + ":" + id.ID
	}
	return string(id.Provider) + ":" + id.Scope + ":" + id.ID
}

// AnyScope reports whether the scope segment is the wildcard.
func (id AccountID) AnyScope() bool { return id.Scope == Wildcard }

// AnyID reports whether the id segment is the wildcard.
func (id AccountID) AnyID() bool { return id.ID == Wildcard }

// ParseAccountID splits a composite account id into its segments.
func ParseAccountID(s string) (AccountID, error) {
	parts := strings.Split(s, ":")
	switch Provider(parts[0]) {
	case ProviderAWS:
		if len(parts) != 2 || parts[1] == "" {
			return AccountID{}, fmt.Errorf("%w: %q", ErrMalformedAccountID, s)
		}
		return AccountID{Provider: ProviderAWS, ID: parts[1]}, nil
	case ProviderGCP, ProviderAzure:
		if len(parts) != 3 || parts[2] == "" {
			return AccountID{}, fmt.Errorf("%w: %q", ErrMalformedAccountID, s)
		}
		return AccountID{Provider: Provider(parts[0]), Scope: parts[1], ID: parts[2]}, nil
	default:
		return AccountID{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
	}
}

// GenerateShortID creates a dedupe key from finding attributes
func GenerateShortID(csp, accountID, controlID, resourceID string) string {
	data := csp + "|" + accountID + "|" + controlID + "|" + resourceID
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}
