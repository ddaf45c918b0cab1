// Package config loads the aggregator YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cspm-aggregator/internal/aggregate"
	"github.com/lvonguyen/cspm-aggregator/internal/discovery"
	"github.com/lvonguyen/cspm-aggregator/internal/query"
	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

type Config struct {
	// Tenant is the lwAccount label written on natively pulled findings.
	Tenant    string          `yaml:"tenant"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Native    NativeConfig    `yaml:"native"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. Empty uses a temporary database removed on exit.
	Path          string `yaml:"path"`
	MachinesTable string `yaml:"machines_table"`
}

type DiscoveryConfig struct {
	IgnoreErrors        bool                           `yaml:"ignore_errors"`
	Organization        string                         `yaml:"organization"`
	RequireOrganization bool                           `yaml:"require_organization"`
	Lookback            time.Duration                  `yaml:"lookback"`
	Compliance          discovery.ComplianceTypes      `yaml:"compliance"`
	Vulnerability       discovery.VulnerabilityOptions `yaml:"vulnerability"`
}

type NativeConfig struct {
	MinSeverity scoring.Severity `yaml:"min_severity"`
	AWS         AWSConfig        `yaml:"aws"`
	GCP         GCPConfig        `yaml:"gcp"`
	Azure       AzureConfig      `yaml:"azure"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
}

type GCPConfig struct {
	Organization string `yaml:"organization"`
}

type AzureConfig struct {
	TenantID      string   `yaml:"tenant_id"`
	Subscriptions []string `yaml:"subscriptions"`
}

// Load reads path, expanding environment variables. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Discovery: DiscoveryConfig{
			IgnoreErrors:  true,
			Compliance:    discovery.DefaultComplianceTypes(),
			Vulnerability: discovery.DefaultVulnerabilityOptions(),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.MachinesTable == "" {
		c.Database.MachinesTable = aggregate.DefaultMachinesTable
	}
	if c.Discovery.Lookback == 0 {
		c.Discovery.Lookback = query.DefaultLookback
	}
	defaults := discovery.DefaultComplianceTypes()
	if c.Discovery.Compliance.AWS == "" {
		c.Discovery.Compliance.AWS = defaults.AWS
	}
	if c.Discovery.Compliance.GCP == "" {
		c.Discovery.Compliance.GCP = defaults.GCP
	}
	if c.Discovery.Compliance.Azure == "" {
		c.Discovery.Compliance.Azure = defaults.Azure
	}
	if c.Discovery.Vulnerability.Severity == "" {
		c.Discovery.Vulnerability.Severity = scoring.High
	}
	if s, ok := scoring.ParseSeverity(string(c.Discovery.Vulnerability.Severity)); ok {
		c.Discovery.Vulnerability.Severity = s
	}
	if c.Native.MinSeverity == "" {
		c.Native.MinSeverity = scoring.Medium
	}
	if s, ok := scoring.ParseSeverity(string(c.Native.MinSeverity)); ok {
		c.Native.MinSeverity = s
	}
	if c.Native.AWS.Region == "" {
		c.Native.AWS.Region = "us-east-1"
	}
	if c.Native.GCP.Organization == "" {
		c.Native.GCP.Organization = c.Discovery.Organization
	}
}

// Validate rejects severities and report types the aggregator does not know.
func (c *Config) Validate() error {
	if err := c.Discovery.Compliance.Validate(); err != nil {
		return fmt.Errorf("discovery.compliance: %w", err)
	}
	if _, ok := scoring.ParseSeverity(string(c.Discovery.Vulnerability.Severity)); !ok {
		return fmt.Errorf("discovery.vulnerability.severity: unknown severity %q", c.Discovery.Vulnerability.Severity)
	}
	if _, ok := scoring.ParseSeverity(string(c.Native.MinSeverity)); !ok {
		return fmt.Errorf("native.min_severity: unknown severity %q", c.Native.MinSeverity)
	}
	if c.Discovery.Lookback < 0 {
		return fmt.Errorf("discovery.lookback must be positive, got %s", c.Discovery.Lookback)
	}
	return nil
}

// DiscoveryOptions returns discoverer options with the lookback window ending at now.
func (c *Config) DiscoveryOptions(now time.Time) discovery.Options {
	now = now.UTC()
	return discovery.Options{
		IgnoreErrors:        c.Discovery.IgnoreErrors,
		Organization:        c.Discovery.Organization,
		RequireOrganization: c.Discovery.RequireOrganization,
		Window:              query.Window{Start: now.Add(-c.Discovery.Lookback), End: now},
	}
}
