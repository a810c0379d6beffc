package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and supported algorithms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Get().String())
			for _, a := range signatory.Algorithms() {
				fmt.Fprintln(out, "  "+a.String())
			}
			return nil
		},
	}
}
