package executors_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/xuri/excelize/v2"

	"casegraph/internal/executors"
	"casegraph/internal/pipeline"
	"casegraph/internal/resolve"
	"casegraph/internal/services"
	"casegraph/internal/testsupport"
)

type fakeModel struct {
	mu      sync.Mutex
	reply   func(system, user string) (string, error)
	prompts []string
}

func (m *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var system, user string
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				continue
			}
			if msg.Role == llms.ChatMessageTypeSystem {
				system = text.Text
			} else {
				user = text.Text
			}
		}
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, user)
	m.mu.Unlock()
	out, err := m.reply(system, user)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

type fakeEmbedder struct {
	dims int
}

func (e fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dims)
	}
	return out, nil
}

func (e fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, e.dims), nil
}

func TestCommandExecutor(t *testing.T) {
	ctx := context.Background()
	path := testsupport.WriteArtifact(t, t.TempDir(), "interview.wav", []byte("spoken words"))

	tests := []struct {
		name     string
		args     []string
		timeout  time.Duration
		want     string
		wantErr  error
		errMatch string
	}{
		{
			name: "stdout becomes text",
			args: []string{"sh", "-c", `cat "$0"`, executors.InputPlaceholder},
			want: "spoken words",
		},
		{
			name:     "non-zero exit",
			args:     []string{"sh", "-c", "echo decoder exploded >&2; exit 3", executors.InputPlaceholder},
			wantErr:  services.ErrExternalTool,
			errMatch: "decoder exploded",
		},
		{
			name:    "timeout",
			args:    []string{"sh", "-c", "sleep 5", executors.InputPlaceholder},
			timeout: 50 * time.Millisecond,
			wantErr: services.ErrTimeout,
		},
		{
			name:    "empty output",
			args:    []string{"true"},
			wantErr: services.ErrValidation,
		},
		{
			name:    "not configured",
			wantErr: services.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &executors.CommandExecutor{
				Stage:   pipeline.StageTranscription,
				Command: executors.Command{Args: tt.args, Timeout: tt.timeout},
			}
			out, err := exec.Execute(ctx, path, pipeline.Input{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if tt.errMatch != "" && !strings.Contains(err.Error(), tt.errMatch) {
					t.Fatalf("error %q lacks %q", err, tt.errMatch)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Text != tt.want {
				t.Fatalf("text = %q, want %q", out.Text, tt.want)
			}
		})
	}
}

func TestTextExtractor(t *testing.T) {
	ctx := context.Background()
	utf16 := []byte{0xFF, 0xFE, 'H', 0, 'i', 0, '!', 0}

	tests := []struct {
		name    string
		file    string
		content []byte
		command []string
		want    string
		wantErr error
	}{
		{name: "plain", file: "memo.txt", content: []byte("  meet at the dock  \n"), want: "meet at the dock"},
		{name: "utf8 bom", file: "memo.md", content: append([]byte{0xEF, 0xBB, 0xBF}, "ledger"...), want: "ledger"},
		{name: "utf16 bom", file: "memo.txt", content: utf16, want: "Hi!"},
		{name: "empty", file: "blank.txt", content: []byte(" \n\t"), wantErr: services.ErrValidation},
		{name: "binary without command", file: "scan.pdf", content: []byte("%PDF"), wantErr: services.ErrConfiguration},
		{
			name:    "binary with command",
			file:    "scan.pdf",
			content: []byte("%PDF"),
			command: []string{"sh", "-c", `echo "extracted $(basename "$0")"`, executors.InputPlaceholder},
			want:    "extracted scan.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testsupport.WriteArtifact(t, t.TempDir(), tt.file, tt.content)
			exec := &executors.TextExtractor{Command: executors.Command{Args: tt.command}}
			out, err := exec.Execute(ctx, path, pipeline.Input{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Text != tt.want {
				t.Fatalf("text = %q, want %q", out.Text, tt.want)
			}
		})
	}

	if _, err := (&executors.TextExtractor{}).Execute(ctx, filepath.Join(t.TempDir(), "gone.txt"), pipeline.Input{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestParseCallRecords(t *testing.T) {
	tests := []struct {
		name        string
		rows        [][]string
		wantCount   int
		wantSkipped int
		wantFirst   executors.CallRecord
		wantErr     bool
	}{
		{
			name: "carrier headers",
			rows: [][]string{
				{"A-Number", "B-Number", "Start Time", "Duration (sec)", "Call Type"},
				{"+1 (555) 010-0100", "555-0111", "2026-03-01 09:15", "62", "Voice"},
				{"", "555-0111", "2026-03-01 09:20", "5", "SMS"},
			},
			wantCount:   1,
			wantSkipped: 1,
			wantFirst:   executors.CallRecord{Caller: "+15550100100", Callee: "5550111", Start: "2026-03-01 09:15", DurationSeconds: 62, Kind: "voice"},
		},
		{
			name: "clock durations",
			rows: [][]string{
				{"from", "to", "duration"},
				{"5550100", "5550111", "1:02:03"},
			},
			wantCount: 1,
			wantFirst: executors.CallRecord{Caller: "5550100", Callee: "5550111", DurationSeconds: 3723},
		},
		{
			name:    "missing columns",
			rows:    [][]string{{"name", "notes"}, {"x", "y"}},
			wantErr: true,
		},
		{
			name:    "no usable rows",
			rows:    [][]string{{"caller", "callee"}, {"12", "x"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := executors.ParseCallRecords(tt.rows)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallRecords: %v", err)
			}
			if len(got.Records) != tt.wantCount || got.Skipped != tt.wantSkipped {
				t.Fatalf("records = %d skipped %d", len(got.Records), got.Skipped)
			}
			if got.Records[0] != tt.wantFirst {
				t.Fatalf("first = %+v, want %+v", got.Records[0], tt.wantFirst)
			}
		})
	}
}

func parseCDR(t *testing.T, path string) pipeline.Input {
	t.Helper()
	out, err := executors.CDRParser{}.Execute(context.Background(), path, pipeline.Input{})
	if err != nil {
		t.Fatalf("CDRParser: %v", err)
	}
	return pipeline.Input{
		Class:   pipeline.ClassCDR,
		Text:    out.Text,
		Outputs: map[pipeline.Stage]json.RawMessage{pipeline.StageCDRParsing: out.Data},
	}
}

func TestCDRFromWorkbookToGraph(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calls.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Caller", "Callee", "Timestamp", "Duration"},
		{"5550100", "5550111", "2026-03-01T09:15:00Z", 60},
		{"5550100", "5550111", "2026-03-01T10:15:00Z", 30},
		{"5550111", "5550122", "2026-03-02T08:00:00Z", 10},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()

	in := parseCDR(t, path)
	if !strings.Contains(in.Text, "5550100 -> 5550111 (60s)") {
		t.Fatalf("rendered text = %q", in.Text)
	}

	summary, err := executors.CDRSummarizer{}.Execute(ctx, path, in)
	if err != nil {
		t.Fatalf("CDRSummarizer: %v", err)
	}
	if !strings.HasPrefix(summary.Text, "3 calls between 3 numbers") || !strings.Contains(summary.Text, "5550100 -> 5550111: 2 calls, 90s") {
		t.Fatalf("summary = %q", summary.Text)
	}

	out, err := executors.CDRGraphExtractor{}.Execute(ctx, path, in)
	if err != nil {
		t.Fatalf("CDRGraphExtractor: %v", err)
	}
	ex, err := resolve.ParseExtraction(out.Data)
	if err != nil {
		t.Fatalf("extraction does not validate: %v", err)
	}
	if len(ex.Entities) != 3 || len(ex.Relationships) != 2 {
		t.Fatalf("extraction = %d entities, %d relationships", len(ex.Entities), len(ex.Relationships))
	}
	first := ex.Relationships[0]
	if first.Source != "5550100" || first.Target != "5550111" || first.Type != executors.RelCalled || first.Properties["calls"] != float64(2) {
		t.Fatalf("first relationship = %+v", first)
	}
}

func TestCDRStagesNeedParsedRecords(t *testing.T) {
	_, err := executors.CDRGraphExtractor{}.Execute(context.Background(), "calls.csv", pipeline.Input{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	path := testsupport.WriteArtifact(t, t.TempDir(), "calls.json", []byte("{}"))
	if _, err := (executors.CDRParser{}).Execute(context.Background(), path, pipeline.Input{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unsupported format error = %v", err)
	}
}

func TestSameLanguage(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"en", "en", true},
		{"en-GB", "en", true},
		{"EN", "en-us", true},
		{"fr", "en", false},
		{"zh-Hant", "zh", true},
		{"", "en", false},
	}
	for _, tt := range tests {
		if got := executors.SameLanguage(tt.a, tt.b); got != tt.want {
			t.Fatalf("SameLanguage(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTranslator(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{reply: func(system, user string) (string, error) {
		if !strings.Contains(system, "from French into English") {
			return "", errors.New("unexpected system prompt: " + system)
		}
		return "EN[" + user + "]", nil
	}}
	tr := &executors.Translator{Model: model, Target: "en", Options: executors.LanguageOptions{ChunkSize: 20}}

	out, err := tr.Execute(ctx, "", pipeline.Input{Language: "en-GB", Text: "already english"})
	if err != nil || out.Text != "already english" || model.calls() != 0 {
		t.Fatalf("same-language translation = %q, %v after %d calls", out.Text, err, model.calls())
	}

	text := "Rendez-vous au port.\n\nApportez les documents.\n\nNe soyez pas en retard."
	out, err = tr.Execute(ctx, "", pipeline.Input{Language: "fr", Text: text})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if model.calls() < 2 {
		t.Fatalf("expected chunked calls, got %d", model.calls())
	}
	if strings.Count(out.Text, "EN[") != model.calls() {
		t.Fatalf("translated text = %q", out.Text)
	}

	if _, err := tr.Execute(ctx, "", pipeline.Input{Language: "fr"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty input error = %v", err)
	}

	failing := &executors.Translator{
		Model:  &fakeModel{reply: func(string, string) (string, error) { return "", errors.New("rate limited") }},
		Target: "en",
	}
	if _, err := failing.Execute(ctx, "", pipeline.Input{Language: "de", Text: "Hallo"}); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("model failure = %v, want ErrTransient", err)
	}
}

func TestSummarizerMergesPartials(t *testing.T) {
	model := &fakeModel{reply: func(system, user string) (string, error) {
		if strings.Contains(system, "merge them") {
			return "merged summary", nil
		}
		return "partial", nil
	}}
	s := &executors.Summarizer{Model: model, Options: executors.LanguageOptions{ChunkSize: 16}}
	out, err := s.Execute(context.Background(), "", pipeline.Input{Text: "first paragraph\n\nsecond paragraph\n\nthird one"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "merged summary" {
		t.Fatalf("summary = %q", out.Text)
	}

	single := &fakeModel{reply: func(string, string) (string, error) { return "short", nil }}
	out, err = (&executors.Summarizer{Model: single}).Execute(context.Background(), "", pipeline.Input{Text: "tiny"})
	if err != nil || out.Text != "short" || single.calls() != 1 {
		t.Fatalf("single chunk = %q, %v, %d calls", out.Text, err, single.calls())
	}
}

func TestEmbeddingExecutor(t *testing.T) {
	exec := &executors.EmbeddingExecutor{Embedder: fakeEmbedder{dims: 4}, ModelName: "nomic-embed-text"}
	out, err := exec.Execute(context.Background(), "", pipeline.Input{Text: "some evidence"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var data struct {
		Model      string `json:"model"`
		Dimensions int    `json:"dimensions"`
		Chunks     int    `json:"chunks"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Model != "nomic-embed-text" || data.Dimensions != 4 || data.Chunks != 1 || out.Text != "some evidence" {
		t.Fatalf("output = %q %+v", out.Text, data)
	}
}

func TestGraphExtractor(t *testing.T) {
	ctx := context.Background()
	fenced := "Here you go:\n```json\n" +
		`{"entities":[{"name":"John Smith","type":"person"},{"name":"Acme","type":"organization"}],` +
		`"relationships":[{"source":"John Smith","target":"Acme","type":"works for"}]}` +
		"\n```"
	g := &executors.GraphExtractor{Model: &fakeModel{reply: func(system, _ string) (string, error) {
		if !strings.Contains(system, `"entities"`) {
			return "", errors.New("schema missing from prompt")
		}
		return fenced, nil
	}}}
	out, err := g.Execute(ctx, "", pipeline.Input{Text: "John Smith works for Acme."})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ex, err := resolve.ParseExtraction(out.Data)
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(ex.Entities) != 2 || len(ex.Relationships) != 1 {
		t.Fatalf("extraction = %+v", ex)
	}

	bad := &executors.GraphExtractor{Model: &fakeModel{reply: func(string, string) (string, error) {
		return `{"entities":"nobody"}`, nil
	}}}
	if _, err := bad.Execute(ctx, "", pipeline.Input{Text: "x"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("invalid extraction error = %v", err)
	}
}

func TestBuild(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := executors.Build(cfg,
		executors.WithModel(&fakeModel{reply: func(string, string) (string, error) { return "ok", nil }}),
		executors.WithEmbedder(fakeEmbedder{dims: 2}),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := reg.Validate(pipeline.MediaClasses...); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, c := range pipeline.MediaClasses {
		if _, err := reg.GraphExecutor(c); err != nil {
			t.Fatalf("GraphExecutor(%s): %v", c, err)
		}
	}
	if exec, _ := reg.GraphExecutor(pipeline.ClassCDR); exec != (executors.CDRGraphExtractor{}) {
		t.Fatalf("cdr graph executor = %T", exec)
	}
	if exec, _ := reg.Executor(pipeline.ClassCDR, pipeline.StageSummarization); exec != (executors.CDRSummarizer{}) {
		t.Fatalf("cdr summarizer = %T", exec)
	}

	cfg.LLM.Provider = ""
	reg, err = executors.Build(cfg)
	if err != nil {
		t.Fatalf("Build without llm: %v", err)
	}
	if err := reg.Validate(pipeline.ClassCDR); err != nil {
		t.Fatalf("cdr should not need a model: %v", err)
	}
	if err := reg.Validate(pipeline.ClassDocument); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("document without model = %v, want ErrConfiguration", err)
	}
}
