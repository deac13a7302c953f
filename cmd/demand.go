package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
)

var (
	demandRome   string
	demandLat    float64
	demandLon    float64
	demandRadius float64
)

var demandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Record one unserved search as pending demand",
	Long:  "Normally demand rows arrive from the search service; this command exists for backfills and manual testing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.InsertDemand(ctx, model.SearchDemand{
			OccupationCode: demandRome,
			Position:       geo.Point{Lat: demandLat, Lon: demandLon},
			RadiusKm:       demandRadius,
		}); err != nil {
			return eris.Wrap(err, "insert demand")
		}

		zap.L().Info("demand recorded",
			zap.String("occupation_code", demandRome),
			zap.Float64("lat", demandLat),
			zap.Float64("lon", demandLon),
			zap.Float64("radius_km", demandRadius),
		)
		return nil
	},
}

func init() {
	demandCmd.Flags().StringVar(&demandRome, "rome", "", "occupation code of the unserved search (required)")
	demandCmd.Flags().Float64Var(&demandLat, "lat", 0, "search latitude (required)")
	demandCmd.Flags().Float64Var(&demandLon, "lon", 0, "search longitude (required)")
	demandCmd.Flags().Float64Var(&demandRadius, "radius", 10, "search radius in km")
	_ = demandCmd.MarkFlagRequired("rome")
	_ = demandCmd.MarkFlagRequired("lat")
	_ = demandCmd.MarkFlagRequired("lon")
	rootCmd.AddCommand(demandCmd)
}
