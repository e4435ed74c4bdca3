package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"imagery-timelapse/internal/common"
)

// AvailableDate is one time label as shown to the user
type AvailableDate struct {
	Label   string `json:"label"`
	Display string `json:"display"`
	Layer   string `json:"layer"`
}

func newDatesCmd() *cobra.Command {
	var (
		layer    string
		start    int
		end      int
		discover bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "dates",
		Short: "List the time labels of a layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if layer != "" {
				settings.WMS.Layer = layer
			}
			settings.Cache.Mode = "off"

			app, err := NewApp(settings)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			labels, err := app.ResolveLabels(cmd.Context(), nil, start, end, discover)
			if err != nil {
				return err
			}
			return printDates(cmd.OutOrStdout(), settings.WMS.Layer, labels, asJSON)
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "WMS layer (default from config)")
	cmd.Flags().IntVar(&start, "start", 0, "First year")
	cmd.Flags().IntVar(&end, "end", 0, "Last year")
	cmd.Flags().BoolVar(&discover, "discover", false, "Read the labels from the service's capabilities")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printDates(w io.Writer, layer string, labels []common.TimeLabel, asJSON bool) error {
	dates := make([]AvailableDate, len(labels))
	for i, l := range labels {
		dates[i] = AvailableDate{Label: l.String(), Display: l.FormatOverlay(), Layer: layer}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(dates)
	}

	fmt.Fprintf(w, "%s (%s): %d labels\n", common.DisplayName(layer), layer, len(dates))
	for _, d := range dates {
		fmt.Fprintf(w, "  %-10s %s\n", d.Label, d.Display)
	}
	return nil
}
