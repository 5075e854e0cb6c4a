package datalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/mangle/parse"

	"github.com/roach88/reckon/internal/ir"
)

// Placeholders substituted into ProcessEvaluator command arguments.
const (
	ProgramPlaceholder = "{program}"
	OutputPlaceholder  = "{output}"
)

// maxDiagnostics caps captured stderr kept on an EvaluationError.
const maxDiagnostics = 4096

// ProcessEvaluator runs an external evaluator binary once per program.
//
// Each call gets a fresh temporary workspace holding program.mg and the
// output file. The workspace is removed on every exit path. The command
// must print derived facts in Mangle syntax, either to the {output} file
// or to stdout when no output placeholder is used.
type ProcessEvaluator struct {
	Command []string
	TempDir string
	Logger  *slog.Logger
}

// NewProcessEvaluator returns an evaluator that runs command.
func NewProcessEvaluator(command []string, logger *slog.Logger) *ProcessEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessEvaluator{Command: command, Logger: logger}
}

// Evaluate implements Evaluator. Cancelling ctx kills the subprocess and
// yields EvaluationError{Timeout}.
func (e *ProcessEvaluator) Evaluate(ctx context.Context, p Program) (Result, error) {
	if len(e.Command) == 0 {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "no evaluator command configured"}
	}

	ws, err := os.MkdirTemp(e.TempDir, "reckon-eval-*")
	if err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "create workspace", Err: err}
	}
	// Deferred so the workspace is also released while a panic unwinds.
	defer func() {
		if rmErr := os.RemoveAll(ws); rmErr != nil {
			e.Logger.Warn("failed to remove evaluator workspace", "dir", ws, "error", rmErr)
		}
	}()

	programPath := filepath.Join(ws, "program.mg")
	outputPath := filepath.Join(ws, "output.mg")
	if err := os.WriteFile(programPath, []byte(p.Text), 0o600); err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "write program", Err: err}
	}

	args := make([]string, len(e.Command)-1)
	usesOutput := false
	for i, a := range e.Command[1:] {
		if strings.Contains(a, OutputPlaceholder) {
			usesOutput = true
		}
		a = strings.ReplaceAll(a, ProgramPlaceholder, programPath)
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, outputPath)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = ws
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.Logger.Debug("running evaluator", "command", e.Command[0], "workspace", ws)
	if runErr := cmd.Run(); runErr != nil {
		if ctx.Err() != nil {
			return nil, &ir.EvaluationError{Kind: ir.EvalTimeout, Message: "evaluator killed", Diagnostics: clip(stderr.String()), Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ir.EvaluationError{
				Kind:        ir.EvalFailed,
				Message:     fmt.Sprintf("evaluator exited with status %d", exitErr.ExitCode()),
				Diagnostics: clip(stderr.String()),
				Err:         runErr,
			}
		}
		return nil, &ir.EvaluationError{Kind: ir.EvalFailed, Message: "start evaluator", Err: runErr}
	}

	out := stdout.Bytes()
	if usesOutput {
		if out, err = os.ReadFile(outputPath); err != nil {
			return nil, &ir.EvaluationError{Kind: ir.EvalMalformed, Message: "read output", Diagnostics: clip(stderr.String()), Err: err}
		}
	}
	return ParseOutput(out)
}

// ParseOutput parses evaluator output consisting of ground Mangle facts.
func ParseOutput(data []byte) (Result, error) {
	unit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return nil, &ir.EvaluationError{Kind: ir.EvalMalformed, Message: "parse output", Diagnostics: clip(err.Error()), Err: err}
	}
	res := make(Result)
	for _, c := range unit.Clauses {
		if len(c.Premises) > 0 || c.Transform != nil {
			return nil, &ir.EvaluationError{Kind: ir.EvalMalformed, Message: "output contains a rule", Diagnostics: clip(c.String())}
		}
		t, err := tupleFromAtom(c.Head)
		if err != nil {
			return nil, &ir.EvaluationError{Kind: ir.EvalMalformed, Message: "decode output fact", Diagnostics: err.Error(), Err: err}
		}
		res[c.Head.Predicate.Symbol] = append(res[c.Head.Predicate.Symbol], t)
	}
	res.Sort()
	return res, nil
}

func clip(s string) string {
	if len(s) <= maxDiagnostics {
		return s
	}
	return s[:maxDiagnostics] + "...(truncated)"
}
