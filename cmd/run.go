package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cap-immersion/sourcing-cli/internal/demand"
	"github.com/cap-immersion/sourcing-cli/internal/monitoring"
	"github.com/cap-immersion/sourcing-cli/internal/pipeline"
	"github.com/cap-immersion/sourcing-cli/internal/reconcile"
	"github.com/cap-immersion/sourcing-cli/internal/relevance"
	"github.com/cap-immersion/sourcing-cli/internal/resilience"
	"github.com/cap-immersion/sourcing-cli/internal/throttle"
	"github.com/cap-immersion/sourcing-cli/pkg/companymatch"
	"github.com/cap-immersion/sourcing-cli/pkg/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sourcing pass over the pending demand backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		// One limiter per provider, shared across all calls in the process.
		matchRetry := retryConfig()
		matchRetry.OnRetry = resilience.RetryLogger(cfg.Matching.Provider, "search_companies")
		matcher := companymatch.NewClient(cfg.Matching.BaseURL, cfg.Matching.Provider,
			companymatch.WithAPIKey(cfg.Matching.APIKey),
			companymatch.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Matching.RatePerSecond), cfg.Matching.Burst)),
			companymatch.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Matching.TimeoutSecs) * time.Second}),
			companymatch.WithRetryConfig(matchRetry),
			companymatch.WithPageSize(cfg.Matching.PageSize),
			companymatch.WithMaxPages(cfg.Matching.MaxPages),
		)

		registryRetry := retryConfig()
		registryRetry.OnRetry = resilience.RetryLogger("registry", "get_by_siret")
		lookup := registry.NewClient(cfg.Registry.BaseURL,
			registry.WithAPIKey(cfg.Registry.APIKey),
			registry.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Registry.RatePerSecond), 1)),
			registry.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Registry.TimeoutSecs) * time.Second}),
			registry.WithRetryConfig(registryRetry),
		)

		orchestrator := pipeline.New(
			cfg.Sourcing,
			demand.New(st, cfg.Sourcing.ClusterThresholdDegrees),
			throttle.New(st),
			matcher,
			relevance.NewFilter(relevance.DefaultRules()),
			reconcile.New(st, lookup, cfg.Registry.Concurrency),
		)

		summary, runErr := orchestrator.Run(ctx)

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerter.SendAlerts(ctx, alerter.Evaluate(nil, &summary))

		if runErr != nil {
			return eris.Wrap(runErr, "sourcing run")
		}

		zap.L().Info("sourcing run complete",
			zap.Int("clusters_processed", summary.ClustersProcessed),
			zap.Int("inserted", summary.Inserted),
			zap.Int("offers_added", summary.OffersAdded),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
