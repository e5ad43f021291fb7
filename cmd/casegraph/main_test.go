package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"casegraph/internal/api"
	"casegraph/internal/config"
	"casegraph/internal/testsupport"
)

func TestConfigValidateAndShow(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithConfig(func(c *config.Config) {
		c.Admin.Token = "hunter2"
	}))

	out, _, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, _, err = runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("config show leaked the admin token:\n%s", out)
	}
	requireContains(t, out, redacted)
	requireContains(t, out, "[queue]")
}

func TestDispatchJobAndCase(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "dispatch", "--case", "op-kestrel", "--class", "cdr", "--json", "calls-jan.csv", "calls-feb.csv")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var dispatched dispatchOutput
	if err := json.Unmarshal([]byte(out), &dispatched); err != nil {
		t.Fatalf("decode dispatch output: %v\n%s", err, out)
	}
	if dispatched.JobID == "" || len(dispatched.Artifacts) != 2 {
		t.Fatalf("dispatch output = %+v", dispatched)
	}
	if dispatched.Artifacts[0].Name != "calls-jan.csv" || dispatched.Artifacts[0].Status != "QUEUED" {
		t.Fatalf("first artifact = %+v", dispatched.Artifacts[0])
	}

	out, _, err = runCLI(t, env, "job", "show", dispatched.JobID)
	if err != nil {
		t.Fatalf("job show: %v", err)
	}
	requireContains(t, out, "Job "+dispatched.JobID)
	requireContains(t, out, "op-kestrel")
	requireContains(t, out, "calls-feb.csv")
	requireContains(t, out, "(0/2 processed)")

	out, _, err = runCLI(t, env, "queue", "depth", "--json")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	var overview api.QueueOverview
	if err := json.Unmarshal([]byte(out), &overview); err != nil {
		t.Fatalf("decode queue depth: %v", err)
	}
	if overview.Queues["cdr"] != 2 || overview.Queues["document"] != 0 {
		t.Fatalf("queues = %+v", overview.Queues)
	}

	out, _, err = runCLI(t, env, "case", "show", "op-kestrel")
	if err != nil {
		t.Fatalf("case show: %v", err)
	}
	requireContains(t, out, "Case op-kestrel (completed: no)")
	requireContains(t, out, dispatched.JobID)
}

func TestDispatchIntoExistingJob(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "job", "create", "--case", "op-heron", "--total", "1", "--json")
	if err != nil {
		t.Fatalf("job create: %v", err)
	}
	var job api.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	out, _, err = runCLI(t, env, "dispatch", "--job", job.ID, "--class", "document", "--lang", "de",
		"--name", "Kontoauszug", "--id", "doc-1", "--meta", "source=seizure-4", "statement.pdf")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireContains(t, out, "doc-1")
	requireContains(t, out, "Kontoauszug")
}

func TestDispatchValidation(t *testing.T) {
	env := setupCLITestEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no job or case", []string{"dispatch", "--class", "cdr", "a.csv"}, "either --job or --case"},
		{"name with several refs", []string{"dispatch", "--case", "c", "--class", "cdr", "--name", "x", "a.csv", "b.csv"}, "single ref"},
		{"bad metadata", []string{"dispatch", "--case", "c", "--class", "cdr", "--meta", "novalue", "a.csv"}, "key=value"},
		{"document without language", []string{"dispatch", "--case", "c", "--class", "document", "a.pdf"}, "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, env, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestOperatorCommandsOnEmptyPipeline(t *testing.T) {
	env := setupCLITestEnv(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"dlq", "list"}, "No dead letters"},
		{[]string{"dlq", "list", "audio"}, "No dead letters"},
		{[]string{"retry", "list"}, "No scheduled retries"},
		{[]string{"redispatch", "--older-than", "1m"}, "Re-dispatched 0 artifact(s)"},
		{[]string{"graph", "edges"}, "No edges"},
		{[]string{"graph", "nodes", "--prefix", "document:"}, "No nodes"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, _, err := runCLI(t, env, tt.args...)
			if err != nil {
				t.Fatalf("%v: %v", tt.args, err)
			}
			requireContains(t, out, tt.want)
		})
	}
}

func TestOperatorActionsReportMissingTargets(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env, "dlq", "requeue", "job-1", "art-1"); err == nil || !strings.Contains(err.Error(), "no dead letter") {
		t.Fatalf("dlq requeue err = %v", err)
	}
	if _, _, err := runCLI(t, env, "retry", "cancel", "job-1", "art-1"); err == nil || !strings.Contains(err.Error(), "no scheduled retry") {
		t.Fatalf("retry cancel err = %v", err)
	}
	if _, _, err := runCLI(t, env, "redispatch", "--status", "COMPLETED"); err == nil {
		t.Fatal("redispatch accepted a terminal status")
	}
}

func TestPreflightCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "preflight")
	if err != nil {
		t.Fatalf("preflight: %v\n%s", err, out)
	}
	requireContains(t, out, "Preflight")
	requireContains(t, out, "Store (sqlite):")
	requireContains(t, out, "Graph sink (sql):")
	if strings.Contains(out, "[ERROR]") {
		t.Fatalf("unexpected failure:\n%s", out)
	}

	failing := setupCLITestEnv(t, testsupport.WithConfig(func(c *config.Config) {
		c.Executors.TranscriptionCommand = []string{"casegraph-missing-transcriber"}
	}))
	out, _, err = runCLI(t, failing, "preflight")
	if err == nil || !strings.Contains(err.Error(), "Transcriber") {
		t.Fatalf("preflight err = %v\n%s", err, out)
	}
	requireContains(t, out, "[ERROR]")
}

func TestStatusStreamURL(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"127.0.0.1:7488", "ws://127.0.0.1:7488/api/status/ws"},
		{"0.0.0.0:9000", "ws://127.0.0.1:9000/api/status/ws"},
		{":7488", "ws://127.0.0.1:7488/api/status/ws"},
		{"[::]:7488", "ws://127.0.0.1:7488/api/status/ws"},
	}
	for _, tt := range tests {
		if got := statusStreamURL(tt.bind); got != tt.want {
			t.Fatalf("statusStreamURL(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}

	got, err := withSince("http://localhost:7488/api/status/ws", 42)
	if err != nil {
		t.Fatalf("withSince: %v", err)
	}
	if got != "ws://localhost:7488/api/status/ws?since=42" {
		t.Fatalf("withSince = %q", got)
	}
}

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Store", statusError, "unreachable", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Store:", "[ERROR] unreachable")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}
