package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/arsenis-cmd/AirAware/internal/aqi"
)

var aqiCmd = &cobra.Command{
	Use:   "aqi <pm25>...",
	Short: "Convert PM2.5 concentrations to AQI",
	Args:  cobra.MinimumNArgs(1),
	// No config needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, arg := range args {
			pm25, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return eris.Wrapf(err, "aqi: parse %q", arg)
			}
			index, category := aqi.Compute(pm25)
			fmt.Fprintf(out, "%-10s %3d  %s\n", arg, index, category)
		}
		return nil
	},
}
