package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"casegraph/internal/pipeline"
	"casegraph/internal/resolve"
)

const topPairs = 5

type callPair struct {
	caller  string
	callee  string
	calls   int
	seconds int
}

// aggregatePairs groups records by directed (caller, callee), most calls
// first and ties broken by number.
func aggregatePairs(records []CallRecord) []callPair {
	index := make(map[[2]string]int)
	var pairs []callPair
	for _, rec := range records {
		key := [2]string{rec.Caller, rec.Callee}
		i, ok := index[key]
		if !ok {
			i = len(pairs)
			index[key] = i
			pairs = append(pairs, callPair{caller: rec.Caller, callee: rec.Callee})
		}
		pairs[i].calls++
		pairs[i].seconds += rec.DurationSeconds
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].calls != pairs[b].calls {
			return pairs[a].calls > pairs[b].calls
		}
		if pairs[a].caller != pairs[b].caller {
			return pairs[a].caller < pairs[b].caller
		}
		return pairs[a].callee < pairs[b].callee
	})
	return pairs
}

// CDRSummarizer computes call statistics for the summarization stage.
type CDRSummarizer struct{}

// Execute summarizes the parsed call records.
func (CDRSummarizer) Execute(_ context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	records, err := decodeCallRecords(in, pipeline.StageSummarization)
	if err != nil {
		return pipeline.Output{}, err
	}

	numbers := make(map[string]struct{})
	total := 0
	for _, rec := range records.Records {
		numbers[rec.Caller] = struct{}{}
		numbers[rec.Callee] = struct{}{}
		total += rec.DurationSeconds
	}
	pairs := aggregatePairs(records.Records)

	var b strings.Builder
	fmt.Fprintf(&b, "%d calls between %d numbers, %s total talk time.", len(records.Records), len(numbers),
		(time.Duration(total) * time.Second).String())
	if records.Skipped > 0 {
		fmt.Fprintf(&b, " %d rows skipped.", records.Skipped)
	}
	top := make([]map[string]any, 0, topPairs)
	for i, p := range pairs {
		if i == topPairs {
			break
		}
		fmt.Fprintf(&b, "\n%s -> %s: %d calls, %ds", p.caller, p.callee, p.calls, p.seconds)
		top = append(top, map[string]any{"caller": p.caller, "callee": p.callee, "calls": p.calls, "seconds": p.seconds})
	}

	data, err := marshalData(map[string]any{
		"calls":          len(records.Records),
		"numbers":        len(numbers),
		"total_seconds":  total,
		"skipped":        records.Skipped,
		"top_pairs":      top,
		"distinct_pairs": len(pairs),
	})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: b.String(), Data: data, Elapsed: time.Since(start)}, nil
}

// RelCalled links a caller to a callee.
const RelCalled = "CALLED"

// CDRGraphExtractor turns call records into phone entities and CALLED
// relationships without a model.
type CDRGraphExtractor struct{}

// Execute builds the extraction from the cdr_parsing output.
func (CDRGraphExtractor) Execute(_ context.Context, _ string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	records, err := decodeCallRecords(in, pipeline.StageGraphBuilding)
	if err != nil {
		return pipeline.Output{}, err
	}

	ex := resolve.Extraction{
		Entities:      []resolve.ExtractedEntity{},
		Relationships: []resolve.ExtractedRelationship{},
	}
	seen := make(map[string]bool)
	addPhone := func(number string) {
		if seen[number] {
			return
		}
		seen[number] = true
		ex.Entities = append(ex.Entities, resolve.ExtractedEntity{Name: number, Type: "phone"})
	}
	for _, rec := range records.Records {
		addPhone(rec.Caller)
		addPhone(rec.Callee)
	}
	for _, p := range aggregatePairs(records.Records) {
		ex.Relationships = append(ex.Relationships, resolve.ExtractedRelationship{
			Source:     p.caller,
			Target:     p.callee,
			Type:       RelCalled,
			Properties: map[string]any{"calls": p.calls, "total_seconds": p.seconds},
		})
	}

	data, err := marshalData(ex)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Text:    fmt.Sprintf("%d phone numbers, %d calling pairs", len(ex.Entities), len(ex.Relationships)),
		Data:    data,
		Elapsed: time.Since(start),
	}, nil
}
