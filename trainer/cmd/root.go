package main

import "github.com/spf13/cobra"

// rootCmd is the root of the command-line application.
var rootCmd = &cobra.Command{
	Use:   "trainer",
	Short: "trainer",
}

func init() {
	rootCmd.AddCommand(trainCmd())
	rootCmd.SilenceUsage = true
}
