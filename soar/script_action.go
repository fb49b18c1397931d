package soar

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// maxScriptOutput caps captured stdout and stderr per stream
const maxScriptOutput = 64 * 1024

// ScriptOutput is what a script run produced
type ScriptOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ScriptRunner executes an allow-listed script
type ScriptRunner interface {
	Run(ctx context.Context, script string, args []string) (*ScriptOutput, error)
}

// ExecScriptRunner runs scripts from a fixed directory without a shell
type ExecScriptRunner struct {
	dir string
}

// NewExecScriptRunner runs scripts found under dir
func NewExecScriptRunner(dir string) *ExecScriptRunner {
	return &ExecScriptRunner{dir: dir}
}

// Run executes dir/script with args. The context bounds the process lifetime.
func (r *ExecScriptRunner) Run(ctx context.Context, script string, args []string) (*ScriptOutput, error) {
	if err := ValidateScriptName(script); err != nil {
		return nil, err
	}
	if err := ValidateScriptArguments(args); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, filepath.Join(r.dir, filepath.FromSlash(script)), args...)
	cmd.Dir = r.dir
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	stdout := &cappedBuffer{limit: maxScriptOutput}
	stderr := &cappedBuffer{limit: maxScriptOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := &ScriptOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if _, ok := err.(*exec.ExitError); ok {
			return out, nil
		}
		return out, fmt.Errorf("failed to run script %s: %w", script, err)
	}
	return out, nil
}

type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// RunScriptAction runs only scripts named in its allowlist. With no runner
// configured the run is simulated.
type RunScriptAction struct {
	allowed map[string]bool
	runner  ScriptRunner
	logger  *zap.SugaredLogger
}

// NewRunScriptAction creates the run_script action
func NewRunScriptAction(allowed []string, runner ScriptRunner, logger *zap.SugaredLogger) *RunScriptAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	set := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		set[s] = true
	}
	return &RunScriptAction{allowed: set, runner: runner, logger: logger}
}

func (a *RunScriptAction) Name() string { return ActionRunScript }
func (a *RunScriptAction) Description() string {
	return "Runs an allow-listed response script"
}

// Allowed lists the permitted script identifiers
func (a *RunScriptAction) Allowed() []string {
	out := make([]string, 0, len(a.allowed))
	for s := range a.allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a *RunScriptAction) ValidateParams(params map[string]interface{}) error {
	script := stringParam(params, "script")
	if err := ValidateScriptName(script); err != nil {
		return err
	}
	if !a.allowed[script] {
		return fmt.Errorf("script %q is not in the allowlist", script)
	}
	return ValidateScriptArguments(stringListParam(params, "args"))
}

func (a *RunScriptAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	if err := a.ValidateParams(params); err != nil {
		return failed("%v", err), nil
	}
	script := stringParam(params, "script")
	args := stringListParam(params, "args")

	if a.runner == nil {
		a.logger.Infow("SIMULATION: would run script", "script", script, "args", args)
		return succeeded(map[string]interface{}{
			"script":    script,
			"exit_code": 0,
			"simulated": true,
		}, nil), nil
	}

	out, err := a.runner.Run(ctx, script, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failed("script %s: %v", script, err), nil
	}
	output := map[string]interface{}{
		"script":    script,
		"exit_code": out.ExitCode,
		"stdout":    out.Stdout,
		"simulated": false,
	}
	details := map[string]interface{}{
		"script":    script,
		"args":      args,
		"exit_code": out.ExitCode,
		"stdout":    out.Stdout,
		"stderr":    out.Stderr,
	}
	if out.ExitCode != 0 {
		return &ActionResult{
			Success: false,
			Error:   fmt.Sprintf("script %s exited with code %d", script, out.ExitCode),
			Output:  output,
			Details: details,
		}, nil
	}
	return succeeded(output, details), nil
}
