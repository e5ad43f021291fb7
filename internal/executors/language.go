package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"casegraph/internal/pipeline"
	"casegraph/internal/resolve"
	"casegraph/internal/services"
)

// LanguageOptions are shared by the model-backed executors.
type LanguageOptions struct {
	// ChunkSize is the splitter chunk size in runes.
	ChunkSize int
	// Timeout bounds each model call. Zero disables it.
	Timeout time.Duration
}

func (o LanguageOptions) split(stage pipeline.Stage, text string) ([]string, error) {
	size := o.ChunkSize
	if size <= 0 {
		size = 2000
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(0),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(stage), "split text", "", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (o LanguageOptions) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return context.WithCancel(ctx)
}

func requireText(stage pipeline.Stage, in pipeline.Input) (string, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", services.Wrap(services.ErrValidation, string(stage), "read input", "no text from earlier stages", nil)
	}
	return text, nil
}

// SameLanguage compares the base languages of two tags, so "en-GB" matches
// "en". Unparseable tags are compared case-insensitively.
func SameLanguage(a, b string) bool {
	ta, errA := language.Parse(strings.TrimSpace(a))
	tb, errB := language.Parse(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	baseA, _ := ta.Base()
	baseB, _ := tb.Base()
	return baseA == baseB
}

func languageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Languages().Name(t); name != "" {
		return name
	}
	return tag
}

// Translator translates earlier text into the target language chunk by chunk.
type Translator struct {
	Model   llms.Model
	Target  string
	Options LanguageOptions
}

// Execute translates in.Text, or passes it through when the artifact is
// already in the target language.
func (t *Translator) Execute(ctx context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	stage := pipeline.StageTranslation
	text, err := requireText(stage, in)
	if err != nil {
		return pipeline.Output{}, err
	}
	if SameLanguage(in.Language, t.Target) {
		data, err := marshalData(map[string]any{"skipped": true, "source_language": in.Language, "target_language": t.Target})
		if err != nil {
			return pipeline.Output{}, err
		}
		return pipeline.Output{Text: text, Data: data, Elapsed: time.Since(start)}, nil
	}

	chunks, err := t.Options.split(stage, text)
	if err != nil {
		return pipeline.Output{}, err
	}
	system := fmt.Sprintf("You translate evidence from %s into %s. Translate faithfully. "+
		"Keep names, numbers, dates and formatting unchanged. Reply with the translation only.",
		languageName(in.Language), languageName(t.Target))
	translated := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		callCtx, cancel := t.Options.call(ctx)
		out, err := generate(callCtx, t.Model, string(stage), system, chunk)
		cancel()
		if err != nil {
			return pipeline.Output{}, err
		}
		translated = append(translated, out)
	}

	data, err := marshalData(map[string]any{
		"skipped":         false,
		"source_language": in.Language,
		"target_language": t.Target,
		"chunks":          len(chunks),
	})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: strings.Join(translated, "\n\n"), Data: data, Elapsed: time.Since(start)}, nil
}

// Summarizer produces an investigator-facing summary. Long text is
// summarized per chunk and the partial summaries are merged.
type Summarizer struct {
	Model   llms.Model
	Options LanguageOptions
}

const summarySystem = "You summarize evidence for an investigation. Name the people, organizations, " +
	"places, phone numbers, dates and amounts that appear. Do not speculate. Reply with the summary only."

// Execute summarizes in.Text.
func (s *Summarizer) Execute(ctx context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	stage := pipeline.StageSummarization
	text, err := requireText(stage, in)
	if err != nil {
		return pipeline.Output{}, err
	}
	chunks, err := s.Options.split(stage, text)
	if err != nil {
		return pipeline.Output{}, err
	}

	partials := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		callCtx, cancel := s.Options.call(ctx)
		out, err := generate(callCtx, s.Model, string(stage), summarySystem, chunk)
		cancel()
		if err != nil {
			return pipeline.Output{}, err
		}
		partials = append(partials, out)
	}
	summary := partials[0]
	if len(partials) > 1 {
		callCtx, cancel := s.Options.call(ctx)
		summary, err = generate(callCtx, s.Model, string(stage),
			summarySystem+" The input is a list of partial summaries of one document; merge them.",
			strings.Join(partials, "\n\n"))
		cancel()
		if err != nil {
			return pipeline.Output{}, err
		}
	}

	data, err := marshalData(map[string]any{"chunks": len(chunks), "chars": len([]rune(summary))})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: summary, Data: data, Elapsed: time.Since(start)}, nil
}

// EmbeddingExecutor embeds split text. Vectors are not stored in the stage
// output; it records the model shape only.
type EmbeddingExecutor struct {
	Embedder  embeddings.Embedder
	ModelName string
	Options   LanguageOptions
}

// Execute embeds the chunks of in.Text. The text is passed through.
func (e *EmbeddingExecutor) Execute(ctx context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	stage := pipeline.StageEmbedding
	text, err := requireText(stage, in)
	if err != nil {
		return pipeline.Output{}, err
	}
	chunks, err := e.Options.split(stage, text)
	if err != nil {
		return pipeline.Output{}, err
	}

	callCtx, cancel := e.Options.call(ctx)
	defer cancel()
	vectors, err := e.Embedder.EmbedDocuments(callCtx, chunks)
	if err != nil {
		return pipeline.Output{}, services.Wrap(services.ErrTransient, string(stage), "embed", "embedding call failed", err)
	}
	if len(vectors) != len(chunks) {
		return pipeline.Output{}, services.Wrap(services.ErrTransient, string(stage), "embed",
			fmt.Sprintf("got %d vectors for %d chunks", len(vectors), len(chunks)), nil)
	}
	dims := 0
	for i, v := range vectors {
		if i == 0 {
			dims = len(v)
			continue
		}
		if len(v) != dims {
			return pipeline.Output{}, services.Wrap(services.ErrTransient, string(stage), "embed",
				fmt.Sprintf("vector %d has %d dimensions, want %d", i, len(v), dims), nil)
		}
	}

	data, err := marshalData(map[string]any{"model": e.ModelName, "dimensions": dims, "chunks": len(chunks)})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: text, Data: data, Elapsed: time.Since(start)}, nil
}

// GraphExtractor asks the model for entities and relationships as JSON that
// satisfies resolve.ExtractionSchema.
type GraphExtractor struct {
	Model   llms.Model
	Options LanguageOptions
}

const graphSystem = "You extract a knowledge graph from investigation evidence. " +
	"Entity types are person, organization, location, phone, email, vehicle, account and event. " +
	"Reference relationship endpoints by entity name. Reply with one JSON object only, matching this JSON Schema:\n" +
	resolve.ExtractionSchema

// Execute extracts per chunk and concatenates the results. The linker merges
// repeated entities.
func (g *GraphExtractor) Execute(ctx context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	stage := pipeline.StageGraphBuilding
	text, err := requireText(stage, in)
	if err != nil {
		return pipeline.Output{}, err
	}
	chunks, err := g.Options.split(stage, text)
	if err != nil {
		return pipeline.Output{}, err
	}

	merged := resolve.Extraction{
		Entities:      []resolve.ExtractedEntity{},
		Relationships: []resolve.ExtractedRelationship{},
	}
	for _, chunk := range chunks {
		callCtx, cancel := g.Options.call(ctx)
		out, err := generate(callCtx, g.Model, string(stage), graphSystem, chunk)
		cancel()
		if err != nil {
			return pipeline.Output{}, err
		}
		ex, err := resolve.ParseExtraction([]byte(sanitizeJSON(out)))
		if err != nil {
			return pipeline.Output{}, err
		}
		merged.Entities = append(merged.Entities, ex.Entities...)
		merged.Relationships = append(merged.Relationships, ex.Relationships...)
	}

	data, err := marshalData(merged)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Data: data, Elapsed: time.Since(start)}, nil
}
