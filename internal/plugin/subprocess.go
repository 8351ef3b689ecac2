package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

const (
	stderrTruncateLen = 500

	envEncodingHint = "PYTHONIOENCODING=utf-8"
	envBasePathKey  = "VCP_BASE_PATH"
)

// SubprocessExecutor runs subprocess plugins: one child per call, args as
// a JSON document on stdin, result read from stdout.
type SubprocessExecutor struct {
	defaultTimeout time.Duration
	logger         *observability.Logger
}

func NewSubprocessExecutor(defaultTimeout time.Duration, logger *observability.Logger) *SubprocessExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SubprocessExecutor{defaultTimeout: defaultTimeout, logger: logger}
}

// Execute re-reads the manifest from the plugin directory, spawns the
// entry command and returns the decoded stdout.
func (e *SubprocessExecutor) Execute(ctx context.Context, d Descriptor, args map[string]string) (any, error) {
	m, err := LoadManifest(d.Dir)
	if err != nil {
		return nil, err
	}
	command := m.EntryPoint.Command
	if command == "" {
		return nil, vcperr.New(vcperr.KindInvalidManifest, "manifest has no entry command",
			"plugin_id", d.ID)
	}
	argv := strings.Fields(command)

	timeout := m.TimeoutDuration(e.defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = childEnv(m.EnvDefaults(), d.Dir)
	// Bound the wait for output pipes after a kill, so a grandchild that
	// inherited them cannot hold the call past its timeout.
	cmd.WaitDelay = 500 * time.Millisecond

	input, err := json.Marshal(args)
	if err != nil {
		return nil, vcperr.Wrap(vcperr.KindInvalidToolArgs, "failed to encode plugin arguments", err,
			"plugin_id", d.ID)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("subprocess plugin timed out",
			"plugin_id", d.ID, "timeout", timeout, "elapsed", elapsed)
		return nil, vcperr.New(vcperr.KindToolTimeout, "subprocess plugin timed out",
			"plugin_id", d.ID, "timeout", timeout.String())
	}
	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, vcperr.Wrap(vcperr.KindToolExecution, "subprocess plugin failed", runErr,
			"plugin_id", d.ID,
			"exit_code", exitCode,
			"stderr", truncateOutput(stderr.String(), stderrTruncateLen))
	}

	return decodeStdout(stdout.String()), nil
}

// decodeStdout prefers structured output: strict JSON first, repaired
// JSON second (only when the repair yields an object or array), and a
// wrapped raw string as the final form.
func decodeStdout(out string) any {
	trimmed := strings.TrimSpace(out)

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if err := json.Unmarshal([]byte(repaired), &decoded); err == nil {
			switch decoded.(type) {
			case map[string]any, []any:
				return decoded
			}
		}
	}
	return map[string]any{"status": "success", "result": trimmed}
}

func childEnv(defaults map[string]string, dir string) []string {
	env := os.Environ()
	for name, value := range defaults {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}
	env = append(env, envEncodingHint, fmt.Sprintf("%s=%s", envBasePathKey, dir))
	return env
}

func truncateOutput(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
