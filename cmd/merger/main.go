// pairmerge merger
//
// Batch entry point: runs merge cycles against the configured metadata store
// and object storage, once, until idle, or on a schedule.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "merger",
	Short:         "Join pairs of uploaded CSV files on their shared columns",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
