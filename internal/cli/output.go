package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/epistemic/internal/app"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran and reported ok=false (denied, rejected, scenario failed)
	ExitCommandError = 2 // Command error (bad flags, unreadable input, engine failed to open)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
	// Reported is set when the result has already been written to stdout.
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

// IsReported reports whether err's result already reached stdout.
func IsReported(err error) bool {
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

// Emit writes r in the configured format. A result with ok=false is returned
// as an ExitError with ExitFailure so the process exit status reflects it.
func (f *OutputFormatter) Emit(r app.Result) error {
	var err error
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	} else {
		err = f.text(r)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}

	if !r.OK {
		msg := r.Message
		if msg == "" {
			msg = string(r.ErrorType)
		}
		return &ExitError{Code: ExitFailure, Message: msg, Reported: true}
	}
	return nil
}

// Success outputs a successful result.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(app.Success(data))
}

// Error outputs err as a failed result.
func (f *OutputFormatter) Error(err error) error {
	return f.Emit(app.Failure(err))
}

func (f *OutputFormatter) text(r app.Result) error {
	if r.OK {
		fmt.Fprintln(f.Writer, "ok")
	} else if r.ErrorType != "" {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", r.ErrorType, r.Message)
	} else {
		fmt.Fprintf(f.Writer, "Denied: %s\n", r.Message)
	}
	if r.NextStep != "" {
		fmt.Fprintf(f.Writer, "Next: %s\n", r.NextStep)
	}
	if r.Data == nil || (!r.OK && !f.Verbose && r.ErrorType != "") {
		return nil
	}
	data, err := json.MarshalIndent(r.Data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.Writer, string(data))
	return err
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
