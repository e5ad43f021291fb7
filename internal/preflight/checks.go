package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sys/unix"

	"casegraph/internal/config"
	"casegraph/internal/deps"
)

const (
	pingTimeout = 5 * time.Second
	llmTimeout  = 30 * time.Second
)

// CheckPing pings a component with a short timeout.
func CheckPing(ctx context.Context, name string, target Pinger) Result {
	if target == nil {
		return Result{Name: name, Detail: "not configured"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := target.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckLLM sends a one-token prompt to verify the model endpoint and key.
// It uses a 30-second timeout and a single attempt.
func CheckLLM(ctx context.Context, name string, model llms.Model) Result {
	if model == nil {
		return Result{Name: name, Detail: "model unavailable"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	if _, err := llms.GenerateFromSinglePrompt(checkCtx, model, "Reply with OK.", llms.WithMaxTokens(1)); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckReadable verifies that the directory exists and is readable.
func CheckReadable(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "read ok")
}

func checkDirectory(name, path string, mode uint32, okDetail string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, okDetail)}
}

// CheckSystemDeps evaluates the external commands configured for executors.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.ExecutorRequirements(cfg))
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	return strings.TrimSpace(err.Error())
}
