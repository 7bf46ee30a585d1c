package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // failed processing or scenario, unknown modification
	ExitCommandError = 2 // bad flags, unreadable config or database
)

// Error codes of the error response.
const (
	CodeInvalidFlag        = "E_INVALID_FLAG"
	CodeConfig             = "E_CONFIG"
	CodeStore              = "E_STORE"
	CodeNotFound           = "E_NOT_FOUND"
	CodeInvalidAssociation = "E_INVALID_ASSOCIATION"
	CodeInvalidContext     = "E_INVALID_CONTEXT"
	CodeSubmitFailed       = "E_SUBMIT_FAILED"
	CodeCancelFailed       = "E_CANCEL_FAILED"
	CodeProcessingFailed   = "E_PROCESSING_FAILED"
	CodeScenarioPath       = "E_SCENARIO_PATH"
	CodeTestFailed         = "E_TEST_FAILED"
	CodeMetrics            = "E_METRICS"

	// CodeFailed covers errors no command classified, cobra's own flag
	// errors among them.
	CodeFailed = "E_FAILED"
)

// ExitError is a classified command failure.
type ExitError struct {
	Exit    int    // process exit code
	Code    string // error response code
	Message string
	Err     error
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

// usageError reports bad command input, exiting with ExitCommandError.
func usageError(code, message string) *ExitError {
	return &ExitError{Exit: ExitCommandError, Code: code, Message: message}
}

func wrapUsage(code, message string, err error) *ExitError {
	return &ExitError{Exit: ExitCommandError, Code: code, Message: message, Err: err}
}

// failure reports a command that ran and failed, exiting with ExitFailure.
func failure(code, message string) *ExitError {
	return &ExitError{Exit: ExitFailure, Code: code, Message: message}
}

func wrapFailure(code, message string, err error) *ExitError {
	return &ExitError{Exit: ExitFailure, Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code of err, ExitFailure when err is not an
// ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Exit
	}
	return ExitFailure
}

// ErrorCode returns the response code of err, CodeFailed when err is not an
// ExitError.
func ErrorCode(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != "" {
		return exitErr.Code
	}
	return CodeFailed
}

// OutputFormatter writes command results as text or as JSON responses.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data. Text output relies on the Stringer of the views.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure with its response code.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if f.Verbose && details != nil {
		_, err := fmt.Fprintf(f.Writer, "Details: %v\n", details)
		return err
	}
	return nil
}
