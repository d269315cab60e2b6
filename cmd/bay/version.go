package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Bay version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Bay version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}
