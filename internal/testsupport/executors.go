package testsupport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"casegraph/internal/pipeline"
)

// StubExecutor returns a fixed output and counts calls.
type StubExecutor struct {
	Text  string
	Data  json.RawMessage
	Err   error
	calls atomic.Int64
}

// Execute implements pipeline.Executor.
func (s *StubExecutor) Execute(context.Context, string, pipeline.Input) (pipeline.Output, error) {
	s.calls.Add(1)
	if s.Err != nil {
		return pipeline.Output{}, s.Err
	}
	return pipeline.Output{Text: s.Text, Data: s.Data}, nil
}

// Calls reports how many times Execute ran.
func (s *StubExecutor) Calls() int {
	return int(s.calls.Load())
}

// FuncExecutor records inputs and delegates to Fn.
type FuncExecutor struct {
	Fn     func(ctx context.Context, ref string, in pipeline.Input) (pipeline.Output, error)
	mu     sync.Mutex
	inputs []pipeline.Input
}

// Execute implements pipeline.Executor.
func (f *FuncExecutor) Execute(ctx context.Context, ref string, in pipeline.Input) (pipeline.Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.Fn == nil {
		return pipeline.Output{}, nil
	}
	return f.Fn(ctx, ref, in)
}

// Inputs returns a copy of the recorded inputs.
func (f *FuncExecutor) Inputs() []pipeline.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.Input, len(f.inputs))
	copy(out, f.inputs)
	return out
}

// RegistryFor binds exec to every stage of the given classes.
func RegistryFor(exec pipeline.Executor, classes ...pipeline.Class) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	for _, c := range classes {
		for _, stage := range pipeline.Stages(c) {
			reg.Register(c, stage, exec)
		}
	}
	return reg
}
