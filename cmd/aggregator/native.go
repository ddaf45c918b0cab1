package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/aggregate"
	"github.com/lvonguyen/cspm-aggregator/internal/config"
	"github.com/lvonguyen/cspm-aggregator/internal/providers"
	awsprovider "github.com/lvonguyen/cspm-aggregator/internal/providers/aws"
	azureprovider "github.com/lvonguyen/cspm-aggregator/internal/providers/azure"
	gcpprovider "github.com/lvonguyen/cspm-aggregator/internal/providers/gcp"
)

var clouds = []string{"aws", "gcp", "azure"}

func newNativeCommand(a *app) *cobra.Command {
	var (
		cloud string
		table string
	)

	cmd := &cobra.Command{
		Use:   "native",
		Short: "Pull findings from the cloud posture services and aggregate them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := selectClouds(cloud)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sources, closers, err := buildSources(ctx, a.cfg, selected, a.logger)
			defer func() {
				for _, c := range closers {
					_ = c()
				}
			}()
			if err != nil {
				return err
			}

			rows, err := providers.Collect(ctx, a.cfg.Tenant, sources, a.cfg.Discovery.IgnoreErrors, a.logger)
			if err != nil {
				return err
			}

			s, engine, err := a.openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := engine.SyncAndRun(ctx, aggregate.Native, table, rows)
			if err != nil {
				return err
			}
			return writeResults(os.Stdout, results)
		},
	}

	cmd.Flags().StringVar(&cloud, "cloud", "all", "Cloud to query: aws, azure, gcp, or all")
	cmd.Flags().StringVar(&table, "table", "native", "table the findings are synced into")
	return cmd
}

func selectClouds(cloud string) ([]string, error) {
	switch cloud {
	case "all":
		return clouds, nil
	case "aws", "gcp", "azure":
		return []string{cloud}, nil
	}
	return nil, fmt.Errorf("unknown cloud %q; expected aws, gcp, azure or all", cloud)
}

// buildSources creates one source per cloud. A source that cannot be created is
// skipped under ignore_errors.
func buildSources(ctx context.Context, cfg *config.Config, selected []string, logger *zap.Logger) ([]providers.Source, []func() error, error) {
	var (
		sources []providers.Source
		closers []func() error
	)
	minSeverity := cfg.Native.MinSeverity

	for _, cloud := range selected {
		var (
			src providers.Source
			err error
		)
		switch cloud {
		case "aws":
			awsCfg, lerr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Native.AWS.Region))
			if lerr != nil {
				err = fmt.Errorf("failed to load AWS config: %w", lerr)
				break
			}
			src = awsprovider.NewSecurityHubProvider(awsCfg, minSeverity)
		case "gcp":
			scc, serr := gcpprovider.NewSCCProvider(ctx, cfg.Native.GCP.Organization, minSeverity)
			if serr != nil {
				err = serr
				break
			}
			closers = append(closers, scc.Close)
			src = scc
		case "azure":
			cred, cerr := azidentity.NewDefaultAzureCredential(nil)
			if cerr != nil {
				err = fmt.Errorf("failed to create Azure credential: %w", cerr)
				break
			}
			src, err = azureprovider.NewDefenderProvider(cred, cfg.Native.Azure.TenantID, cfg.Native.Azure.Subscriptions, minSeverity)
		}

		if err != nil {
			logger.Error("Failed to initialize provider", zap.String("cloud", cloud), zap.Error(err))
			if !cfg.Discovery.IgnoreErrors {
				return nil, closers, fmt.Errorf("%s: %w", cloud, err)
			}
			continue
		}
		sources = append(sources, src)
	}
	return sources, closers, nil
}
