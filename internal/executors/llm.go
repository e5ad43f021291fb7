package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"casegraph/internal/config"
	"casegraph/internal/services"
)

// ErrLLMDisabled is returned when llm.provider is empty.
var ErrLLMDisabled = errors.New("llm provider disabled")

// NewModel creates the text generation model selected by cfg.
func NewModel(cfg config.LLM) (llms.Model, error) {
	switch cfg.Provider {
	case "":
		return nil, ErrLLMDisabled
	case config.LLMOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil
	case config.LLMOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil
	case config.LLMAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "create model",
			fmt.Sprintf("unsupported llm provider %q", cfg.Provider), nil)
	}
}

// NewEmbedder creates the embedding model selected by cfg. Anthropic has no
// embedding endpoint.
func NewEmbedder(cfg config.LLM) (embeddings.Embedder, error) {
	switch cfg.Provider {
	case "":
		return nil, ErrLLMDisabled
	case config.LLMOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.EmbeddingModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return newEmbedder(client)
	case config.LLMOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return newEmbedder(client)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "embedding", "create embedder",
			fmt.Sprintf("provider %q has no embedding models", cfg.Provider), nil)
	}
}

func newEmbedder(client embeddings.EmbedderClient) (embeddings.Embedder, error) {
	e, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return e, nil
}

// generate sends a system and user prompt and returns the first choice.
func generate(ctx context.Context, model llms.Model, stage, system, user string) (string, error) {
	resp, err := model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(0))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", services.Wrap(services.ErrTimeout, stage, "generate", "model call timed out", err)
		}
		return "", services.Wrap(services.ErrTransient, stage, "generate", "model call failed", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", services.Wrap(services.ErrTransient, stage, "generate", "model returned no choices", nil)
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", services.Wrap(services.ErrTransient, stage, "generate", "model returned empty content", nil)
	}
	return content, nil
}

// sanitizeJSON strips code fences and prose around a JSON object.
func sanitizeJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		body := strings.TrimLeft(trimmed[3:], " \t\r\n")
		if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
			body = strings.TrimLeft(body[4:], " \t\r\n")
		}
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		trimmed = strings.TrimSpace(body)
	}
	if trimmed == "" || trimmed[0] == '{' {
		return trimmed
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return trimmed[start : end+1]
		}
	}
	return trimmed
}
