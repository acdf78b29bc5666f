// Package cmd defines the CLI commands for the pagesift executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagesift",
		Short: "Tiered web content extraction",
		Long: `pagesift fetches web pages through an escalating ladder of strategies,
from plain HTTP requests up to full browser automation, extracts the main
content as markdown, and submits the results to a collection API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
