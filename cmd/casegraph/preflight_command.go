package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"casegraph/internal/daemonrun"
	"casegraph/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, store, queue, graph sink, LLM provider and executor commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, true, func(runCtx context.Context, c *daemonrun.Components) error {
				results := c.Preflight(runCtx)
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, r := range results {
					kind := statusOK
					if !r.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
				failed := preflight.Failed(results)
				if len(failed) > 0 {
					names := make([]string, 0, len(failed))
					for _, r := range failed {
						names = append(names, r.Name)
					}
					return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
				}
				return nil
			})
		},
	}
}
