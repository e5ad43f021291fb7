package main

import (
	"github.com/spf13/cobra"

	"casegraph/internal/daemonrun"
	"casegraph/internal/pipeline"
)

func newProcessCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newServeCommand(ctx),
		newWorkerCommand(ctx),
		newSweeperCommand(ctx),
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var classes []string
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin server, retry sweeper and class workers in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			parsed, err := parseClasses(classes)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				Process:   "serve",
				Classes:   parsed,
				NoWorkers: noWorkers,
				Sweeper:   true,
				Admin:     true,
			})
		},
	}
	cmd.Flags().StringArrayVar(&classes, "class", nil, "Run workers for this class only (repeatable)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Run the admin server and sweeper without worker loops")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var classes []string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run class workers without the admin server",
		Long: "Run class workers without the admin server.\n\n" +
			"Several worker processes may share one store and queue; each artifact is claimed by exactly one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			parsed, err := parseClasses(classes)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				Process: "worker",
				Classes: parsed,
			})
		},
	}
	cmd.Flags().StringArrayVar(&classes, "class", nil, "Class to consume (repeatable; default every runnable class)")
	return cmd
}

func newSweeperCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweeper",
		Short: "Run only the retry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				Process:   "sweeper",
				NoWorkers: true,
				Sweeper:   true,
			})
		},
	}
}

func parseClasses(values []string) ([]pipeline.Class, error) {
	out := make([]pipeline.Class, 0, len(values))
	for _, v := range values {
		c, err := pipeline.ParseClass(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
