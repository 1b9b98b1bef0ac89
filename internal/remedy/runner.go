package remedy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/safefile"
)

// ExecResult is the outcome of running one runbook.
type ExecResult struct {
	ScriptHash string
	ExitCode   int
	Summary    string
	Success    bool
}

// Runner executes a named remediation action. Runbook contents are
// opaque to the agent; only the action name, script hash, and outcome
// cross this boundary.
type Runner interface {
	Run(ctx context.Context, act action.Action, params map[string]string, ev drift.Event) (ExecResult, error)
}

// ScriptRunner executes runbooks from a directory, one script per
// action. The script hash is recorded in the evidence trail so an
// auditor can tie each step to the exact runbook version that ran.
type ScriptRunner struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptRunner creates a runner over the given runbooks directory.
func NewScriptRunner(dir string, timeout time.Duration, logger *slog.Logger) *ScriptRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ScriptRunner{dir: dir, timeout: timeout, logger: logger}
}

// Run executes the runbook for act. Action parameters and the event's
// check/host identity are passed as environment variables.
func (r *ScriptRunner) Run(ctx context.Context, act action.Action, params map[string]string, ev drift.Event) (ExecResult, error) {
	if act == action.NoOp {
		return ExecResult{Success: true, Summary: "noop"}, nil
	}

	script := filepath.Join(r.dir, string(act)+".sh")
	data, err := safefile.ReadFileMax(script, 1<<20)
	if err != nil {
		return ExecResult{}, fmt.Errorf("loading runbook for %s: %w", act, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(cmd.Environ(),
		"DRIFTMEND_CHECK_ID="+ev.CheckID,
		"DRIFTMEND_HOST_ID="+ev.HostID,
		"DRIFTMEND_PLATFORM="+ev.Platform,
	)
	for k, v := range params {
		cmd.Env = append(cmd.Env, "DRIFTMEND_PARAM_"+strings.ToUpper(k)+"="+v)
	}

	out, err := cmd.CombinedOutput()
	res := ExecResult{
		ScriptHash: hash,
		Summary:    firstLine(string(out)),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		r.logger.Error("runbook failed", "action", act, "exit_code", res.ExitCode)
		return res, nil
	}
	res.Success = true
	r.logger.Info("runbook succeeded", "action", act, "script_hash", hash[:12])
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
