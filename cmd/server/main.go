package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vpcal",
	Short: "VP calendar scheduling service",
	Long: `vpcal serves working hours, slot search and booking for VPs and their
delegates. Busy time is merged from internal meetings and linked Google or
Outlook calendars.`,
	SilenceUsage: true,
	// Running without a subcommand serves.
	RunE: runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
