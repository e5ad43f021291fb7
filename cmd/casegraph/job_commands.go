package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"casegraph/internal/api"
	"casegraph/internal/daemonrun"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Create and inspect jobs",
	}
	jobCmd.AddCommand(newJobCreateCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	return jobCmd
}

func newJobCreateCommand(ctx *commandContext) *cobra.Command {
	var caseID, parentID string
	var total int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job that artifacts can be dispatched into",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				job, err := c.Dispatcher.CreateJob(runCtx, caseID, parentID, total)
				if err != nil {
					return err
				}
				out := api.FromJob(job)
				return emit(cmd, asJSON, out, func() string {
					return fmt.Sprintf("Created job %s (case %s, expecting %d artifacts)\n", out.ID, orDash(out.CaseID), out.TotalCount)
				})
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "Case the job belongs to")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent job; the case is inherited when --case is empty")
	cmd.Flags().IntVar(&total, "total", 0, "Expected number of artifacts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				detail, err := c.Service.Job(runCtx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, detail, func() string { return renderJobDetail(detail) })
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderJobDetail(detail api.JobDetail) string {
	var b strings.Builder
	job := detail.Job
	fmt.Fprintf(&b, "Job %s\n", job.ID)
	fmt.Fprintf(&b, "  Case:      %s\n", orDash(job.CaseID))
	if job.ParentJobID != "" {
		fmt.Fprintf(&b, "  Parent:    %s\n", job.ParentJobID)
	}
	fmt.Fprintf(&b, "  Status:    %s (%d/%d processed)\n", job.Status, job.ProcessedCount, job.TotalCount)
	if job.ErrorMessage != "" {
		fmt.Fprintf(&b, "  Error:     %s\n", job.ErrorMessage)
	}
	if job.CompletedAt != "" {
		fmt.Fprintf(&b, "  Completed: %s\n", job.CompletedAt)
	}
	if len(detail.Artifacts) == 0 {
		b.WriteString("No artifacts dispatched\n")
		return b.String()
	}

	rows := make([][]string, 0, len(detail.Artifacts))
	for _, a := range detail.Artifacts {
		rows = append(rows, []string{a.ID, a.Name, a.Class, a.Status, orDash(a.CurrentStage), formatStageTimes(a.StageTimes), a.ErrorMessage})
	}
	b.WriteString(renderTable(
		[]string{"Artifact", "Name", "Class", "Status", "Stage", "Stage times", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	))
	return b.String()
}

func newCaseCommand(ctx *commandContext) *cobra.Command {
	caseCmd := &cobra.Command{
		Use:   "case",
		Short: "Inspect cases",
	}
	var asJSON bool
	show := &cobra.Command{
		Use:   "show <case>",
		Short: "Summarize the jobs and artifacts of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				summary, err := c.Service.Case(runCtx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, summary, func() string { return renderCaseSummary(summary) })
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	caseCmd.AddCommand(show)
	return caseCmd
}

func renderCaseSummary(summary api.CaseSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s (completed: %s)\n", summary.Case, yesNo(summary.Completed))

	rows := make([][]string, 0, len(summary.Jobs))
	for _, job := range summary.Jobs {
		rows = append(rows, []string{job.ID, orDash(job.ParentJobID), job.Status,
			fmt.Sprintf("%d/%d", job.ProcessedCount, job.TotalCount), job.ErrorMessage})
	}
	b.WriteString(renderTable(
		[]string{"Job", "Parent", "Status", "Processed", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))

	statuses := make([]string, 0, len(summary.ArtifactCounts))
	for status := range summary.ArtifactCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	countRows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		countRows = append(countRows, []string{status, strconv.Itoa(summary.ArtifactCounts[status])})
	}
	if len(countRows) > 0 {
		b.WriteString(renderTable([]string{"Artifact status", "Count"}, countRows, []columnAlignment{alignLeft, alignRight}))
	}
	if len(summary.FailedArtifacts) > 0 {
		fmt.Fprintf(&b, "Failed: %s\n", strings.Join(summary.FailedArtifacts, ", "))
	}
	return b.String()
}

func formatStageTimes(times map[string]float64) string {
	if len(times) == 0 {
		return ""
	}
	stages := make([]string, 0, len(times))
	for stage := range times {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	parts := make([]string, 0, len(stages))
	for _, stage := range stages {
		parts = append(parts, fmt.Sprintf("%s=%.1fs", stage, times[stage]))
	}
	return strings.Join(parts, " ")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
