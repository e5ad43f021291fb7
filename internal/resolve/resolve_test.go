package resolve_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"casegraph/internal/graph"
	"casegraph/internal/pipeline"
	"casegraph/internal/resolve"
	"casegraph/internal/services"
	"casegraph/internal/store"
	"casegraph/internal/testsupport"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"John Smith", "john-smith"},
		{"john-smith", "john-smith"},
		{"JOHN  SMITH", "john-smith"},
		{"  John_Smith!! ", "john-smith"},
		{"Straße", "strasse"},
		{"ＡＣＭＥ Corp.", "acme-corp"},
		{"+1 (555) 010-2000", "1-555-010-2000"},
		{"José", "josé"},
		{"राम", "राम"},
		{"रोम", "रोम"},
		{"मोहित कुमार", "मोहित-कुमार"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := resolve.Canonical(tt.in); got != tt.want {
			t.Fatalf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalKeepsSpacingMarks(t *testing.T) {
	if a, b := resolve.Canonical("राम"), resolve.Canonical("रोम"); a == b {
		t.Fatalf("distinct Devanagari names collide on %q", a)
	}
}

func TestCanonicalIsIdempotent(t *testing.T) {
	for _, in := range []string{"John Smith", "ＡＣＭＥ Corp.", "Ölfeld  GmbH", "a.b.c"} {
		once := resolve.Canonical(in)
		if twice := resolve.Canonical(once); twice != once {
			t.Fatalf("Canonical not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestRelationshipType(t *testing.T) {
	tests := map[string]string{
		"works for":  "WORKS_FOR",
		"CALLED":     "CALLED",
		"  met-with": "MET_WITH",
		"":           "RELATED_TO",
	}
	for in, want := range tests {
		if got := resolve.RelationshipType(in); got != want {
			t.Fatalf("RelationshipType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseExtraction(t *testing.T) {
	ex, err := resolve.ParseExtraction([]byte(`{
		"entities": [{"name": "John Smith", "type": "person"}, {"name": "Acme"}],
		"relationships": [{"source": "John Smith", "target": "Acme", "type": "works for"}]
	}`))
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(ex.Entities) != 2 || len(ex.Relationships) != 1 {
		t.Fatalf("unexpected extraction %+v", ex)
	}

	for _, bad := range []string{
		`not json`,
		`{"relationships": []}`,
		`{"entities": [{"type": "person"}]}`,
		`{"entities": [], "relationships": [{"source": "a"}]}`,
		`{"entities": "John"}`,
	} {
		if _, err := resolve.ParseExtraction([]byte(bad)); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("ParseExtraction(%s) err = %v", bad, err)
		}
	}
}

func TestParseExtractionAcceptsMarshalledExtraction(t *testing.T) {
	tests := []struct {
		name string
		ex   resolve.Extraction
	}{
		{"no relationships", resolve.Extraction{Entities: []resolve.ExtractedEntity{{Name: "Acme Corp"}}}},
		{"empty", resolve.Extraction{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ex)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := resolve.ParseExtraction(data)
			if err != nil {
				t.Fatalf("ParseExtraction(%s): %v", data, err)
			}
			if len(got.Entities) != len(tt.ex.Entities) || got.Relationships == nil || len(got.Relationships) != 0 {
				t.Fatalf("ParseExtraction(%s) = %+v", data, got)
			}
		})
	}

	got, err := resolve.ParseExtraction([]byte(`{"entities":[{"name":"Acme Corp"}],"relationships":null}`))
	if err != nil || len(got.Entities) != 1 || got.Relationships == nil {
		t.Fatalf("explicit null relationships = %+v, %v", got, err)
	}
}

type linkFixture struct {
	st     *store.Store
	sink   *graph.SQLSink
	linker *resolve.Linker
}

func newLinkFixture(t *testing.T) linkFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	st := store.New(db)
	sink := graph.NewSQLSink(db)
	return linkFixture{st: st, sink: sink, linker: resolve.NewLinker(st, sink, nil)}
}

func (f linkFixture) edges(t *testing.T, relType string) []graph.Edge {
	t.Helper()
	edges, err := f.sink.Edges(context.Background(), relType)
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	return edges
}

func TestLinkWithinArtifact(t *testing.T) {
	f := newLinkFixture(t)
	ctx := context.Background()
	job := testsupport.NewJob(t, f.st, "case-1", 1)
	art := testsupport.NewArtifact(t, f.st, job.ID, "memo.txt", pipeline.ClassDocument)

	res, err := f.linker.Link(ctx, job.CaseScope(), art.ID, resolve.Extraction{
		Entities: []resolve.ExtractedEntity{
			{Name: "John Smith", Type: "Person"},
			{Name: "JOHN  SMITH", Properties: map[string]any{"role": "cfo"}},
			{Name: "Acme Corp", Type: "organization"},
			{Name: "   "},
		},
		Relationships: []resolve.ExtractedRelationship{
			{Source: "john smith", Target: "ACME corp", Type: "works for"},
			{Source: "John Smith", Target: "Nobody", Type: "knows"},
		},
	})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if res.Entities != 2 || res.Relationships != 1 || res.CrossMatches != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	entities, err := f.st.ListEntities(ctx, "case-1", art.ID)
	if err != nil || len(entities) != 2 {
		t.Fatalf("ListEntities = %d, %v", len(entities), err)
	}
	if entities[1].CanonicalKey != "john-smith" || entities[1].DisplayName != "John Smith" || entities[1].Type != "person" {
		t.Fatalf("unexpected entity %+v", entities[1])
	}
	if entities[1].Properties["role"] != "cfo" {
		t.Fatalf("duplicate mention properties not merged: %v", entities[1].Properties)
	}

	if mentions := f.edges(t, graph.EdgeMentions); len(mentions) != 2 {
		t.Fatalf("expected 2 MENTIONS edges, got %d", len(mentions))
	}
	works := f.edges(t, "WORKS_FOR")
	if len(works) != 1 {
		t.Fatalf("expected 1 WORKS_FOR edge, got %d", len(works))
	}
	if works[0].Source != graph.EntityKey("case-1", art.ID, "john-smith") {
		t.Fatalf("unexpected edge source %s", works[0].Source)
	}
}

func TestLinkCrossDocumentWithinCase(t *testing.T) {
	f := newLinkFixture(t)
	ctx := context.Background()
	job := testsupport.NewJob(t, f.st, "case-x", 3)
	a1 := testsupport.NewArtifact(t, f.st, job.ID, "a.txt", pipeline.ClassDocument)
	a2 := testsupport.NewArtifact(t, f.st, job.ID, "b.wav", pipeline.ClassAudio)

	other := testsupport.NewJob(t, f.st, "case-y", 1)
	a3 := testsupport.NewArtifact(t, f.st, other.ID, "c.txt", pipeline.ClassDocument)

	link := func(scope, artifactID, name string) resolve.Result {
		t.Helper()
		res, err := f.linker.Link(ctx, scope, artifactID, resolve.Extraction{
			Entities: []resolve.ExtractedEntity{{Name: name, Type: "person"}},
		})
		if err != nil {
			t.Fatalf("Link: %v", err)
		}
		return res
	}

	link("case-x", a1.ID, "John Smith")
	link("case-y", a3.ID, "John Smith")
	res := link("case-x", a2.ID, "john-smith")
	if res.CrossMatches != 1 {
		t.Fatalf("CrossMatches = %d, want 1", res.CrossMatches)
	}

	matches := f.edges(t, graph.EdgeCrossDocMatch)
	if len(matches) != 1 {
		t.Fatalf("expected 1 CROSS_DOC_MATCH, got %d", len(matches))
	}
	wantA, wantB := graph.OrderedPair(
		graph.EntityKey("case-x", a1.ID, "john-smith"),
		graph.EntityKey("case-x", a2.ID, "john-smith"),
	)
	if matches[0].Source != wantA || matches[0].Target != wantB {
		t.Fatalf("unexpected match edge %+v", matches[0])
	}
	shares := f.edges(t, graph.EdgeSharesEntity)
	if len(shares) != 1 {
		t.Fatalf("expected 1 SHARES_ENTITY, got %d", len(shares))
	}

	rels, err := f.st.ListRelationships(ctx, "case-y", graph.EdgeCrossDocMatch)
	if err != nil || len(rels) != 0 {
		t.Fatalf("case-y has cross matches: %v, %v", rels, err)
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	f := newLinkFixture(t)
	ctx := context.Background()
	job := testsupport.NewJob(t, f.st, "", 2)
	a1 := testsupport.NewArtifact(t, f.st, job.ID, "a.txt", pipeline.ClassDocument)
	a2 := testsupport.NewArtifact(t, f.st, job.ID, "b.txt", pipeline.ClassDocument)
	scope := job.CaseScope()

	ex := resolve.Extraction{
		Entities: []resolve.ExtractedEntity{{Name: "Acme"}, {Name: "Bob"}},
		Relationships: []resolve.ExtractedRelationship{
			{Source: "Bob", Target: "Acme", Type: "owns"},
		},
	}
	for i := 0; i < 2; i++ {
		for _, id := range []string{a1.ID, a2.ID} {
			if _, err := f.linker.Link(ctx, scope, id, ex); err != nil {
				t.Fatalf("Link: %v", err)
			}
		}
	}

	counts := map[string]int{
		graph.EdgeMentions:      4,
		"OWNS":                  2,
		graph.EdgeCrossDocMatch: 2,
		graph.EdgeSharesEntity:  1,
	}
	for relType, want := range counts {
		if got := len(f.edges(t, relType)); got != want {
			t.Fatalf("%s edges = %d, want %d", relType, got, want)
		}
	}
	nodes, err := f.sink.Nodes(ctx, "entity:")
	if err != nil || len(nodes) != 4 {
		t.Fatalf("entity nodes = %d, %v", len(nodes), err)
	}
}
