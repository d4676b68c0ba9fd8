package cmd

import (
	"fmt"

	"github.com/arcward/emily/emily"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"emily %s (commit %s, built %s)\n",
			emily.Version,
			emily.CommitSHA,
			emily.BuildTime,
		)
		return err
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
