package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/config"
	"github.com/lvonguyen/cspm-aggregator/internal/discovery"
	"github.com/lvonguyen/cspm-aggregator/internal/normalizer"
	"github.com/lvonguyen/cspm-aggregator/internal/query"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

func newAccountsCommand(a *app) *cobra.Command {
	var (
		integrationsFile string
		telemetryFile    string
		table            string
		tenant           string
	)

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Canonicalize exported cloud integrations and agent accounts into a table",
		Long: "Reads a cloud integrations export and an agent accounts export, merges them into one\n" +
			"duplicate-free account list and replaces the table with it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			integrations, err := readIntegrationsFile(integrationsFile)
			if err != nil {
				return err
			}
			var telemetry []store.Row
			if telemetryFile != "" {
				if telemetry, err = readRowsFile(telemetryFile); err != nil {
					return err
				}
			}
			if tenant == "" {
				tenant = a.cfg.Tenant
			}

			ctx := cmd.Context()
			src := &exportedPlatform{integrations: integrations, telemetry: telemetry}
			rows, err := accountRows(ctx, a.cfg, src, tenant, a.logger)
			if err != nil {
				return err
			}

			s, _, err := a.openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DropTable(ctx, table); err != nil {
				return err
			}
			if err := s.Sync(ctx, table, rows); err != nil {
				return err
			}

			a.logger.Info("Synced accounts", zap.String("table", table), zap.Int("accounts", len(rows)))
			return writeResults(os.Stdout, store.Results{"accounts": rows})
		},
	}

	cmd.Flags().StringVar(&integrationsFile, "integrations", "", "cloud integrations export, - for stdin")
	cmd.Flags().StringVar(&telemetryFile, "telemetry", "", "agent accounts rows (instanceId, accountId, projectId, VmProvider)")
	cmd.Flags().StringVar(&table, "table", "accounts", "destination table")
	cmd.Flags().StringVar(&tenant, "tenant", "", "lwAccount of the accounts (defaults to tenant)")
	_ = cmd.MarkFlagRequired("integrations")
	return cmd
}

// accountRows discovers the tenant's accounts from src using the configured
// discovery options.
func accountRows(ctx context.Context, cfg *config.Config, src *exportedPlatform, tenant string, logger *zap.Logger) ([]store.Row, error) {
	d := discovery.New(src, src, logger, cfg.DiscoveryOptions(time.Now()))
	accounts, err := d.CloudAccounts(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return lo.Map(accounts, func(acc normalizer.CloudAccount, _ int) store.Row { return acc.Row() }), nil
}

// readIntegrationsFile accepts a bare array or the platform's {"data": [...]} envelope.
func readIntegrationsFile(path string) ([]normalizer.Integration, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read integrations file: %w", err)
	}
	return decodeIntegrations(raw)
}

func decodeIntegrations(raw []byte) ([]normalizer.Integration, error) {
	var records []normalizer.Integration
	if err := json.Unmarshal(raw, &records); err == nil {
		return records, nil
	}

	var envelope struct {
		Data []normalizer.Integration `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode integrations: %w", err)
	}
	return envelope.Data, nil
}

var errNotExported = errors.New("not available from an export")

// exportedPlatform serves previously exported platform responses. Every query
// returns the telemetry rows.
type exportedPlatform struct {
	integrations []normalizer.Integration
	telemetry    []store.Row
}

func (p *exportedPlatform) Execute(_ context.Context, _ query.Spec) ([]query.Row, error) {
	return p.telemetry, nil
}

func (p *exportedPlatform) CloudIntegrations(context.Context) ([]normalizer.Integration, error) {
	return p.integrations, nil
}

func (p *exportedPlatform) LatestComplianceReport(context.Context, query.ComplianceRequest) ([]query.Row, error) {
	return nil, &query.RemoteAPIError{Op: "compliance report", Err: errNotExported}
}

func (p *exportedPlatform) OrganizationInfo(context.Context) (bool, error) {
	return false, &query.RemoteAPIError{Op: "organization info", Err: errNotExported}
}

func (p *exportedPlatform) Profile(context.Context) (query.UserProfile, error) {
	return query.UserProfile{}, &query.RemoteAPIError{Op: "user profile", Err: errNotExported}
}
