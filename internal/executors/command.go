package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// InputPlaceholder in a command argument is replaced by the evidence path.
// When no argument contains it the path is appended.
const InputPlaceholder = "{input}"

const stderrLimit = 512

// Command runs an external program against one evidence file.
type Command struct {
	Args    []string
	Timeout time.Duration
}

// Configured reports whether a program is set.
func (c Command) Configured() bool {
	return len(c.Args) > 0 && strings.TrimSpace(c.Args[0]) != ""
}

// Run executes the command and returns its stdout.
func (c Command) Run(ctx context.Context, stage pipeline.Stage, ref string) ([]byte, error) {
	if !c.Configured() {
		return nil, services.Wrap(services.ErrConfiguration, string(stage), "run command", "no command configured", nil)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := c.argv(ref)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, services.Wrap(services.ErrTimeout, string(stage), "run command",
			fmt.Sprintf("%s exceeded %s", args[0], c.Timeout), err)
	}
	detail := fmt.Sprintf("%s failed", args[0])
	if tail := tail(stderr.String(), stderrLimit); tail != "" {
		detail += ": " + tail
	}
	return nil, services.Wrap(services.ErrExternalTool, string(stage), "run command", detail, err)
}

func (c Command) argv(ref string) []string {
	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, arg := range c.Args {
		if strings.Contains(arg, InputPlaceholder) {
			arg = strings.ReplaceAll(arg, InputPlaceholder, ref)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, ref)
	}
	return args
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

// CommandExecutor captures a command's stdout as the stage text. It serves
// transcription and frame sampling.
type CommandExecutor struct {
	Stage   pipeline.Stage
	Command Command
}

// Execute runs the command on ref.
func (e *CommandExecutor) Execute(ctx context.Context, ref string, in pipeline.Input) (pipeline.Output, error) {
	start := time.Now()
	out, err := e.Command.Run(ctx, e.Stage, ref)
	if err != nil {
		return pipeline.Output{}, err
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return pipeline.Output{}, services.Wrap(services.ErrValidation, string(e.Stage), "run command",
			fmt.Sprintf("%s produced no output", e.Command.Args[0]), nil)
	}
	data, err := marshalData(map[string]any{
		"command": e.Command.Args[0],
		"chars":   len([]rune(text)),
	})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Text: text, Data: data, Elapsed: time.Since(start)}, nil
}
