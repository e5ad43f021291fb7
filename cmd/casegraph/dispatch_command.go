package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"casegraph/internal/api"
	"casegraph/internal/daemonrun"
	"casegraph/internal/dispatch"
)

type dispatchOutput struct {
	JobID     string         `json:"job_id"`
	Artifacts []api.Artifact `json:"artifacts"`
}

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var jobID, caseID, class, language, name, artifactID string
	var meta []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dispatch <ref>...",
		Short: "Register artifacts and queue them for processing",
		Long: "Register artifacts and queue them for processing.\n\n" +
			"Refs are paths relative to paths.evidence_dir, absolute paths or URLs. " +
			"Without --job a new job is created in --case.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" && caseID == "" {
				return errors.New("either --job or --case is required")
			}
			if len(args) > 1 && (name != "" || artifactID != "") {
				return errors.New("--name and --id apply to a single ref")
			}
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			if language != "" {
				metadata["language"] = language
			}

			return ctx.withComponents(cmd, false, func(runCtx context.Context, c *daemonrun.Components) error {
				if jobID == "" {
					job, err := c.Dispatcher.CreateJob(runCtx, caseID, "", len(args))
					if err != nil {
						return err
					}
					jobID = job.ID
				}
				out := dispatchOutput{JobID: jobID}
				for _, ref := range args {
					req := dispatch.Request{
						JobID:      jobID,
						ArtifactID: artifactID,
						Name:       name,
						Ref:        strings.TrimSpace(ref),
						Class:      class,
						Metadata:   metadata,
					}
					if req.Name == "" {
						req.Name = filepath.Base(req.Ref)
					}
					res, err := c.Dispatcher.Dispatch(runCtx, req)
					if err != nil {
						return fmt.Errorf("dispatch %s: %w", ref, err)
					}
					out.Artifacts = append(out.Artifacts, api.FromArtifact(res.Artifact))
				}
				return emit(cmd, asJSON, out, func() string {
					var b strings.Builder
					fmt.Fprintf(&b, "Job %s\n", out.JobID)
					for _, a := range out.Artifacts {
						fmt.Fprintf(&b, "  %s  %-8s %s\n", a.ID, a.Class, a.Name)
					}
					return b.String()
				})
			})
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Existing job to dispatch into")
	cmd.Flags().StringVar(&caseID, "case", "", "Case for a new job when --job is empty")
	cmd.Flags().StringVar(&class, "class", "", "Media class: document, audio, video or cdr")
	cmd.Flags().StringVar(&language, "lang", "", "Source language (required for document, audio and video)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the ref's base name)")
	cmd.Flags().StringVar(&artifactID, "id", "", "Artifact id; re-sending an id re-queues it while still QUEUED")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra metadata as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs)+1)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q (want key=value)", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
