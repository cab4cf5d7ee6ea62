package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/graphshard/graphshard/internal/build"
)

// NewVersionCommand returns the command to get the graphshard version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the graphshard version",
		Long:  "Return the graphshard version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("graphshard version %s date %s commit id %s", build.Version, build.Date, build.Commit)
	return nil
}
