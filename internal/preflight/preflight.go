package preflight

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"casegraph/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Targets are the opened components to check. Nil targets are skipped.
type Targets struct {
	Store Pinger
	Queue Pinger
	Graph Pinger
	Model llms.Model
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, targets Targets) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	if cfg.Paths.EvidenceDir != "" {
		results = append(results, CheckReadable("Evidence directory", cfg.Paths.EvidenceDir))
	}

	if targets.Store != nil {
		results = append(results, CheckPing(ctx, "Store ("+cfg.Store.Driver+")", targets.Store))
	}
	if targets.Queue != nil {
		results = append(results, CheckPing(ctx, "Queue ("+cfg.Queue.Backend+")", targets.Queue))
	}
	if targets.Graph != nil {
		results = append(results, CheckPing(ctx, "Graph sink ("+cfg.Graph.Sink+")", targets.Graph))
	}

	if cfg.LLM.Provider != "" {
		results = append(results, CheckLLM(ctx, "LLM ("+cfg.LLM.Provider+")", targets.Model))
	}

	for _, status := range CheckSystemDeps(cfg) {
		if status.Command == "" && status.Optional {
			continue
		}
		r := Result{Name: status.Name, Passed: status.Available, Detail: status.Command}
		if !status.Available {
			r.Detail = status.Detail
		}
		results = append(results, r)
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
