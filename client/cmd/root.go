package main

import "github.com/spf13/cobra"

// rootCmd is the root of the command-line application.
var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "client",
}

func init() {
	rootCmd.AddCommand(predictCmd())
	rootCmd.SilenceUsage = true
}
