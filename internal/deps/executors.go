package deps

import (
	"strings"

	"casegraph/internal/config"
)

// ExecutorRequirements lists the commands configured for extraction stages.
// Unconfigured commands are optional: the worker for that class refuses to
// start, but other classes are unaffected.
func ExecutorRequirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	return []Requirement{
		{
			Name:        "Document extractor",
			Command:     binary(cfg.Executors.DocumentCommand),
			Description: "Extracts text from PDF and office documents; plain text is read directly",
			Optional:    true,
		},
		{
			Name:        "Transcriber",
			Command:     binary(cfg.Executors.TranscriptionCommand),
			Description: "Transcribes audio and video tracks",
			Optional:    len(cfg.Executors.TranscriptionCommand) == 0,
		},
		{
			Name:        "Frame sampler",
			Command:     binary(cfg.Executors.FrameSamplingCommand),
			Description: "Describes sampled video frames",
			Optional:    len(cfg.Executors.FrameSamplingCommand) == 0,
		},
	}
}

func binary(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}
