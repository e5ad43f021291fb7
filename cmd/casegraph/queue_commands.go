package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"casegraph/internal/api"
	"casegraph/internal/daemonrun"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect class queues",
	}

	var asJSON bool
	depth := &cobra.Command{
		Use:   "depth",
		Short: "Show the depth of every class queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				overview, err := c.Service.Queues(runCtx)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, overview, func() string {
					rows := make([][]string, 0, len(pipeline.AllClasses))
					var total int64
					for _, class := range pipeline.AllClasses {
						n := overview.Queues[string(class)]
						total += n
						rows = append(rows, []string{class.QueueName(), strconv.FormatInt(n, 10)})
					}
					out := tableSpec{
						Headers: []string{"Queue", "Depth"},
						Rows:    rows,
						Aligns:  []columnAlignment{alignLeft, alignRight},
						Footer:  []string{"Total", strconv.FormatInt(total, 10)},
					}.render()
					return out + fmt.Sprintf("Pending retries: %d\n", overview.PendingRetries)
				})
			})
		},
	}
	depth.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	queueCmd.AddCommand(depth)
	return queueCmd
}

func newDLQCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}

	var asJSON, showStack bool
	list := &cobra.Command{
		Use:   "list [class]",
		Short: "List dead letters, optionally for one class",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var class string
			if len(args) == 1 {
				class = args[0]
			}
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				recs, err := c.Service.DeadLetters(runCtx, class)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, recs, func() string { return renderDeadLetters(recs, showStack) })
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	list.Flags().BoolVar(&showStack, "stack", false, "Include captured stack traces")

	requeue := &cobra.Command{
		Use:   "requeue <job-id> <artifact-id>",
		Short: "Replay a dead letter onto its original queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := queue.Key{JobID: strings.TrimSpace(args[0]), ArtifactID: strings.TrimSpace(args[1])}
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				resp, err := c.Service.Requeue(runCtx, key)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}

	dlqCmd.AddCommand(list, requeue)
	return dlqCmd
}

func renderDeadLetters(recs []api.DeadLetter, showStack bool) string {
	if len(recs) == 0 {
		return "No dead letters\n"
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.JobID, r.ArtifactID, r.Class, strconv.Itoa(r.RetryCount), r.ErrorType, r.ErrorMessage, r.FailureTime})
	}
	var b strings.Builder
	b.WriteString(renderTable(
		[]string{"Job", "Artifact", "Class", "Retries", "Type", "Error", "Failed at"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	))
	if showStack {
		for _, r := range recs {
			if r.StackTrace == "" {
				continue
			}
			fmt.Fprintf(&b, "\n%s/%s\n%s\n", r.JobID, r.ArtifactID, r.StackTrace)
		}
	}
	return b.String()
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and cancel scheduled retries",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled retries, earliest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				retries, err := c.Service.Retries(runCtx)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, retries, func() string {
					if len(retries) == 0 {
						return "No scheduled retries\n"
					}
					rows := make([][]string, 0, len(retries))
					for _, r := range retries {
						rows = append(rows, []string{r.JobID, r.ArtifactID, r.Queue, strconv.Itoa(r.RetryCount), r.ReleaseAt})
					}
					return renderTable(
						[]string{"Job", "Artifact", "Queue", "Retry", "Release at"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
					)
				})
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cancel := &cobra.Command{
		Use:   "cancel <job-id> <artifact-id>",
		Short: "Cancel a scheduled retry and fail its artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := queue.Key{JobID: strings.TrimSpace(args[0]), ArtifactID: strings.TrimSpace(args[1])}
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				resp, err := c.Service.CancelRetry(runCtx, key)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}

	retryCmd.AddCommand(list, cancel)
	return retryCmd
}

func newRedispatchCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "redispatch",
		Short: "Re-queue artifacts that have not progressed",
		Long: "Re-queue artifacts whose last update is older than --older-than.\n\n" +
			"By default QUEUED, PROCESSING and AWAITING_GRAPH artifacts are considered; " +
			"queued artifacts with a scheduled retry are skipped. Use --status to narrow the pass.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := api.ParseStaleStatuses(statuses)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				olderThan = time.Duration(cfg.Retry.StaleAfterSeconds) * time.Second
			}
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				resp, err := c.Service.RedispatchStale(runCtx, olderThan, parsed...)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, resp, func() string {
					return fmt.Sprintf("Re-dispatched %d artifact(s)\n", resp.Redispatched)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age since last update (default retry.stale_after)")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "Artifact status to consider (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
