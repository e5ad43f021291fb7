package executors

import (
	"errors"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"casegraph/internal/config"
	"casegraph/internal/pipeline"
)

// BuildOption customizes Build.
type BuildOption func(*builder)

type builder struct {
	model    llms.Model
	embedder embeddings.Embedder
}

// WithModel supplies the text generation model instead of creating one from
// configuration.
func WithModel(model llms.Model) BuildOption {
	return func(b *builder) { b.model = model }
}

// WithEmbedder supplies the embedding model instead of creating one from
// configuration.
func WithEmbedder(e embeddings.Embedder) BuildOption {
	return func(b *builder) { b.embedder = e }
}

// Build binds the default executors for cfg. With the llm provider disabled
// the language stages stay unbound, so only CDR workers can start.
func Build(cfg *config.Config, opts ...BuildOption) (*pipeline.Registry, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	timeout := time.Duration(cfg.Executors.CommandTimeout) * time.Second
	reg := pipeline.NewRegistry()
	reg.Register(pipeline.ClassDocument, pipeline.StageTextExtraction, &TextExtractor{
		Command: Command{Args: cfg.Executors.DocumentCommand, Timeout: timeout},
	})
	reg.RegisterAll(pipeline.StageTranscription, &CommandExecutor{
		Stage:   pipeline.StageTranscription,
		Command: Command{Args: cfg.Executors.TranscriptionCommand, Timeout: timeout},
	})
	reg.RegisterAll(pipeline.StageFrameSampling, &CommandExecutor{
		Stage:   pipeline.StageFrameSampling,
		Command: Command{Args: cfg.Executors.FrameSamplingCommand, Timeout: timeout},
	})
	reg.Register(pipeline.ClassCDR, pipeline.StageCDRParsing, CDRParser{})
	reg.Register(pipeline.ClassCDR, pipeline.StageGraphBuilding, CDRGraphExtractor{})

	langOpts := LanguageOptions{
		ChunkSize: cfg.LLM.ChunkSize,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}
	model := b.model
	if model == nil {
		m, err := NewModel(cfg.LLM)
		switch {
		case errors.Is(err, ErrLLMDisabled):
		case err != nil:
			return nil, err
		default:
			model = m
		}
	}
	if model != nil {
		reg.RegisterAll(pipeline.StageTranslation, &Translator{Model: model, Target: cfg.LLM.TargetLanguage, Options: langOpts})
		reg.RegisterAll(pipeline.StageSummarization, &Summarizer{Model: model, Options: langOpts})
		reg.Register(pipeline.ClassGraph, pipeline.StageGraphBuilding, &GraphExtractor{Model: model, Options: langOpts})
	}

	embedder := b.embedder
	if embedder == nil && model != nil {
		e, err := NewEmbedder(cfg.LLM)
		switch {
		case errors.Is(err, ErrLLMDisabled):
		case err != nil:
			return nil, err
		default:
			embedder = e
		}
	}
	if embedder != nil {
		reg.RegisterAll(pipeline.StageEmbedding, &EmbeddingExecutor{Embedder: embedder, ModelName: cfg.LLM.EmbeddingModel, Options: langOpts})
	}

	// Call records are summarized without a model.
	reg.Register(pipeline.ClassCDR, pipeline.StageSummarization, CDRSummarizer{})
	return reg, nil
}
