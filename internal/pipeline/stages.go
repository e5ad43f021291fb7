package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Stage names one step of a class pipeline.
type Stage string

const (
	StageTextExtraction Stage = "text_extraction"
	StageTranscription  Stage = "transcription"
	StageFrameSampling  Stage = "frame_sampling"
	StageCDRParsing     Stage = "cdr_parsing"
	StageTranslation    Stage = "translation"
	StageSummarization  Stage = "summarization"
	StageEmbedding      Stage = "embedding"
	StageGraphBuilding  Stage = "graph_building"
)

var stageTable = map[Class][]Stage{
	ClassDocument: {StageTextExtraction, StageTranslation, StageSummarization, StageEmbedding},
	ClassAudio:    {StageTranscription, StageTranslation, StageSummarization, StageEmbedding},
	ClassVideo:    {StageFrameSampling, StageTranscription, StageTranslation, StageSummarization, StageEmbedding},
	ClassCDR:      {StageCDRParsing, StageSummarization},
	ClassGraph:    {StageGraphBuilding},
}

// Stages returns the ordered stage list for a class. The slice is a copy.
func Stages(c Class) []Stage {
	return slices.Clone(stageTable[c])
}

// Input is what a stage executor receives.
type Input struct {
	ArtifactID string
	Class      Class
	Language   string
	Metadata   map[string]string
	// Text is the most recent non-empty text produced by an earlier stage.
	Text string
	// Outputs holds the raw data of every earlier stage, keyed by stage.
	Outputs map[Stage]json.RawMessage
}

// Output is what a stage executor returns. Elapsed is measured by the runtime
// when the executor leaves it zero.
type Output struct {
	Text    string
	Data    json.RawMessage
	Elapsed time.Duration
}

// Executor runs one stage for one artifact.
type Executor interface {
	Execute(ctx context.Context, ref string, in Input) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ref string, in Input) (Output, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, ref string, in Input) (Output, error) {
	return f(ctx, ref, in)
}
