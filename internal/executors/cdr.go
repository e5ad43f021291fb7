package executors

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// CallRecord is one row of a call detail record export.
type CallRecord struct {
	Caller          string `json:"caller"`
	Callee          string `json:"callee"`
	Start           string `json:"start,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Kind            string `json:"kind,omitempty"`
}

// CallRecords is the cdr_parsing stage data.
type CallRecords struct {
	Records []CallRecord `json:"records"`
	Skipped int          `json:"skipped"`
}

// Header aliases seen in carrier exports, compared after normalizeHeader.
var (
	callerHeaders   = []string{"caller", "calling", "callingnumber", "from", "anumber", "aparty", "originator", "source"}
	calleeHeaders   = []string{"callee", "called", "callednumber", "to", "bnumber", "bparty", "recipient", "destination"}
	startHeaders    = []string{"start", "starttime", "timestamp", "datetime", "date", "time", "callstart"}
	durationHeaders = []string{"duration", "durationseconds", "seconds", "durationsec", "calllength"}
	kindHeaders     = []string{"type", "calltype", "kind", "service", "event"}
)

// CDRParser reads .csv and .xlsx call detail records.
type CDRParser struct{}

// Execute parses the export at ref.
func (CDRParser) Execute(_ context.Context, ref string, _ pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	rows, err := readRows(ref)
	if err != nil {
		return pipeline.Output{}, err
	}
	records, err := ParseCallRecords(rows)
	if err != nil {
		return pipeline.Output{}, services.Wrap(services.ErrValidation, string(pipeline.StageCDRParsing), "parse records",
			filepath.Base(ref), err)
	}
	data, err := marshalData(records)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: RenderCallRecords(records.Records), Data: data, Elapsed: time.Since(start)}, nil
}

func readRows(path string) ([][]string, error) {
	stage := string(pipeline.StageCDRParsing)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, stage, "open workbook", path, err)
		}
		defer func() { _ = f.Close() }()
		var rows [][]string
		for _, sheet := range f.GetSheetList() {
			sheetRows, err := f.GetRows(sheet)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, stage, "read sheet", sheet, err)
			}
			if len(sheetRows) > 0 {
				rows = sheetRows
				break
			}
		}
		return rows, nil
	case ".csv", ".tsv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, stage, "open export", path, err)
		}
		defer f.Close()
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		r.LazyQuotes = true
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			r.Comma = '\t'
		}
		var rows [][]string
		for {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, stage, "read csv", path, err)
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, services.Wrap(services.ErrValidation, stage, "detect format",
			fmt.Sprintf("unsupported call record format %q", filepath.Ext(path)), nil)
	}
}

// ParseCallRecords maps a header row plus data rows onto call records. Rows
// without two usable numbers are counted as skipped.
func ParseCallRecords(rows [][]string) (CallRecords, error) {
	if len(rows) == 0 {
		return CallRecords{}, errors.New("export is empty")
	}
	header := rows[0]
	caller, callee := findColumn(header, callerHeaders), findColumn(header, calleeHeaders)
	if caller < 0 || callee < 0 {
		return CallRecords{}, fmt.Errorf("header %q lacks caller and callee columns", strings.Join(header, ","))
	}
	startCol := findColumn(header, startHeaders)
	durationCol := findColumn(header, durationHeaders)
	kindCol := findColumn(header, kindHeaders)

	out := CallRecords{Records: []CallRecord{}}
	for _, row := range rows[1:] {
		rec := CallRecord{
			Caller: NormalizePhone(cell(row, caller)),
			Callee: NormalizePhone(cell(row, callee)),
			Start:  strings.TrimSpace(cell(row, startCol)),
			Kind:   strings.ToLower(strings.TrimSpace(cell(row, kindCol))),
		}
		if rec.Caller == "" || rec.Callee == "" {
			out.Skipped++
			continue
		}
		if secs, ok := parseDuration(cell(row, durationCol)); ok {
			rec.DurationSeconds = secs
		}
		out.Records = append(out.Records, rec)
	}
	if len(out.Records) == 0 {
		return out, fmt.Errorf("no usable call records (%d rows skipped)", out.Skipped)
	}
	return out, nil
}

// RenderCallRecords renders one line per record.
func RenderCallRecords(records []CallRecord) string {
	var b strings.Builder
	for _, rec := range records {
		if rec.Start != "" {
			b.WriteString(rec.Start)
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s -> %s", rec.Caller, rec.Callee)
		if rec.Kind != "" {
			fmt.Fprintf(&b, " [%s]", rec.Kind)
		}
		if rec.DurationSeconds > 0 {
			fmt.Fprintf(&b, " (%ds)", rec.DurationSeconds)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// NormalizePhone keeps digits and a leading plus. Values with fewer than three
// digits are not phone numbers and normalize to "".
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	digits := 0
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if digits < 3 {
		return ""
	}
	return b.String()
}

func decodeCallRecords(in pipeline.Input, stage pipeline.Stage) (CallRecords, error) {
	raw, ok := in.Outputs[pipeline.StageCDRParsing]
	if !ok {
		return CallRecords{}, services.Wrap(services.ErrValidation, string(stage), "load call records",
			"cdr_parsing output missing", nil)
	}
	var records CallRecords
	if err := json.Unmarshal(raw, &records); err != nil {
		return CallRecords{}, services.Wrap(services.ErrValidation, string(stage), "load call records", "decode", err)
	}
	return records, nil
}

func findColumn(header []string, aliases []string) int {
	for i, name := range header {
		key := normalizeHeader(name)
		for _, alias := range aliases {
			if key == alias {
				return i
			}
		}
	}
	return -1
}

func normalizeHeader(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// parseDuration accepts seconds, [hh:]mm:ss or Go duration strings.
func parseDuration(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return secs, secs >= 0
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
		return int(f), true
	}
	if strings.Contains(value, ":") {
		total := 0
		for _, part := range strings.Split(value, ":") {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, false
			}
			total = total*60 + n
		}
		return total, true
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return int(d.Seconds()), true
	}
	return 0, false
}
