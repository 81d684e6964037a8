package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/generation"
)

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark generations left in flight by a stopped server as timed out",
		Long: `Recover finds art records still marked pending or processing and marks
them timed out so the key can be generated again. The server does this on
start; run it by hand only while the server is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := generation.RecoverStale(cmd.Context(), st, nil)
			if err != nil {
				return err
			}

			if ctx.jsonOutput {
				if keys == nil {
					keys = []string{}
				}
				return writeJSON(cmd, map[string]any{"recovered": keys})
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "Nothing to recover")
				return nil
			}
			for _, k := range keys {
				fmt.Fprintf(out, "Recovered %s\n", k)
			}
			return nil
		},
	}
}
