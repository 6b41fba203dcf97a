package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "tap-postgres",
	Short:        "PostgreSQL change-data-capture tap",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(discoverCmd())
}
