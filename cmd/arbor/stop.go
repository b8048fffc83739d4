package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/control"
)

var stopClear bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel a running analyze or edit",
	Long: `Signal a running 'arbor analyze' or 'arbor edit' in another terminal to stop.
An interrupted analysis is saved with status 'canceled'; an interrupted
edit leaves the session at its previous version.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signals, err := control.NewSignals(config.DataDir(), logger)
		if err != nil {
			return err
		}
		defer signals.Close()

		if stopClear {
			signals.Clear()
			printStatus("✓", "Stop signal cleared", color.FgGreen)
			return nil
		}
		if err := signals.Stop(); err != nil {
			return err
		}
		printStatus("■", "Stop signal sent", color.FgYellow)
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopClear, "clear", false, "Remove a pending stop signal instead")
}
