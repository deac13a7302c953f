package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cap-immersion/sourcing-cli/internal/monitoring"
)

var statusLookbackHours int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store counts and recent attempt activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := monitoring.NewCollector(st).Collect(ctx, statusLookbackHours)
		if err != nil {
			return eris.Wrap(err, "collect metrics")
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerter.SendAlerts(ctx, alerter.Evaluate(snap, nil))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookbackHours, "lookback-hours", 24, "attempt activity window")
	rootCmd.AddCommand(statusCmd)
}
