package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// plainExtensions are read directly instead of through the document command.
var plainExtensions = map[string]bool{
	".txt":  true,
	".text": true,
	".md":   true,
	".log":  true,
	".eml":  true,
	".csv":  true,
	".json": true,
	".xml":  true,
	".html": true,
	".htm":  true,
}

// maxPlainBytes caps direct reads.
const maxPlainBytes = 64 << 20

// TextExtractor produces the text of a document artifact.
type TextExtractor struct {
	// Command converts formats that are not plain text. Optional.
	Command Command
}

// Execute reads plain text or runs the document command.
func (e *TextExtractor) Execute(ctx context.Context, ref string, _ pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	stage := pipeline.StageTextExtraction

	var (
		text   string
		source string
	)
	if plainExtensions[strings.ToLower(filepath.Ext(ref))] {
		raw, err := readPlain(ref)
		if err != nil {
			return pipeline.Output{}, err
		}
		text, source = raw, "plain"
	} else {
		if !e.Command.Configured() {
			return pipeline.Output{}, services.Wrap(services.ErrConfiguration, string(stage), "extract text",
				fmt.Sprintf("no document_command configured for %s files", filepath.Ext(ref)), nil)
		}
		out, err := e.Command.Run(ctx, stage, ref)
		if err != nil {
			return pipeline.Output{}, err
		}
		text, source = string(out), e.Command.Args[0]
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return pipeline.Output{}, services.Wrap(services.ErrValidation, string(stage), "extract text",
			fmt.Sprintf("%s contains no text", filepath.Base(ref)), nil)
	}
	data, err := marshalData(map[string]any{
		"source": source,
		"chars":  len([]rune(text)),
	})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: text, Data: data, Elapsed: time.Since(start)}, nil
}

// readPlain decodes a text file, honouring UTF-8 and UTF-16 byte order marks.
func readPlain(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", services.Wrap(services.ErrValidation, string(pipeline.StageTextExtraction), "read evidence",
				fmt.Sprintf("%s does not exist", path), err)
		}
		return "", services.Wrap(services.ErrTransient, string(pipeline.StageTextExtraction), "read evidence", path, err)
	}
	defer f.Close()

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	raw, err := io.ReadAll(io.LimitReader(transform.NewReader(f, decoder), maxPlainBytes))
	if err != nil {
		return "", services.Wrap(services.ErrValidation, string(pipeline.StageTextExtraction), "decode evidence", path, err)
	}
	return string(raw), nil
}

func marshalData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stage data: %w", err)
	}
	return data, nil
}
