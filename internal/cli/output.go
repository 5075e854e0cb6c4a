package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/repo"
)

// Exit codes for CLI commands.
const (
	ExitSuccess = 0 // Successful execution
	ExitFailure = 1 // The command ran and failed (validation, compilation, failed scenario)
	ExitUsage   = 2 // Bad flags or arguments
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // ExitFailure or ExitUsage
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set once the error has been written to the output.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Reported reports whether err was already written by a command.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // error category, e.g. "validation"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs data. In text mode render writes the human form; a nil
// render prints data with fmt.
func (f *OutputFormatter) Success(data any, render func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	if render != nil {
		render(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", color.New(color.FgRed, color.Bold).Sprint("Error"), code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %+v\n", details)
	}
	return nil
}

// Fail reports err and returns the ExitError the command should return.
func (f *OutputFormatter) Fail(err error) error {
	code, details := classify(err)
	if outErr := f.Error(code, err.Error(), details); outErr != nil {
		return outErr
	}
	exit := ExitFailure
	if code == "usage" {
		exit = ExitUsage
	}
	e := WrapExitError(exit, code, err)
	e.Reported = true
	return e
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// usageError marks bad flags or arguments.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// classify maps an error to a response code and structured details.
func classify(err error) (string, any) {
	var (
		ue usageError
		ve *ir.ValidationError
		ce *ir.CompilationError
		ee *ir.EvaluationError
		se *ir.SchedulingError
		ae *ir.ActionError
		cf *ir.ConflictError
	)
	switch {
	case errors.As(err, &ue):
		return "usage", nil
	case errors.As(err, &ve):
		return "validation", ve
	case errors.As(err, &ce):
		return "compilation", map[string]string{"code": string(ce.Code), "subject": ce.Subject, "predicate": ce.Predicate}
	case errors.As(err, &ee):
		return "evaluation", map[string]string{"kind": string(ee.Kind), "diagnostics": ee.Diagnostics}
	case errors.As(err, &se):
		return "scheduling", se
	case errors.As(err, &ae):
		return "action", map[string]any{"action": ae.Action, "timeout": ae.Timeout}
	case errors.As(err, &cf):
		return "conflict", cf
	case errors.Is(err, repo.ErrNotFound):
		return "not_found", nil
	case errors.Is(err, repo.ErrExists):
		return "exists", nil
	}
	return "error", nil
}

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
	mutedColor = color.New(color.FgHiBlack)
	nameColor  = color.New(color.FgCyan)
)

// statusText colors a status word by how healthy it is.
func statusText(status string) string {
	switch status {
	case "active", "completed", "enabled", "ok", "pass":
		return okColor.Sprint(status)
	case "pending", "running", "degraded":
		return warnColor.Sprint(status)
	case "failed", "cancelled", "fail":
		return errColor.Sprint(status)
	case "disabled":
		return mutedColor.Sprint(status)
	}
	return status
}
