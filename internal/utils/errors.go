package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrMutationNotFound returns an error for an unknown mutation ID.
func ErrMutationNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("mutation not found: %s", id),
		Suggestion: "Use 'offsync queue' to list queued mutations and their IDs",
	}
}

// ErrStorageUnavailable returns an error when the local store cannot be
// opened or is corrupted.
func ErrStorageUnavailable(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("local storage unavailable: %s", reason),
		Suggestion: "Check disk space and file permissions; the engine keeps working network-only until storage recovers",
	}
}

// ErrServerNotConfigured returns an error when no remote endpoint is set.
func ErrServerNotConfigured() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("no server configured"),
		Suggestion: "Set server.base_url in your config file (see 'offsync config path')",
	}
}

// ErrServerUnreachable returns an error when the remote endpoint is offline
// with a context-aware suggestion.
func ErrServerUnreachable(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("server unreachable: %s", reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "i/o timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrDaemonNotRunning returns an error when no daemon socket is found.
func ErrDaemonNotRunning() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("sync daemon is not running"),
		Suggestion: "Start it with 'offsync daemon start'",
	}
}

// ErrDaemonAlreadyRunning returns an error when a daemon already holds the
// PID file.
func ErrDaemonAlreadyRunning(pid int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("sync daemon already running (pid %d)", pid),
		Suggestion: "Stop it first with 'offsync daemon stop'",
	}
}

// ErrCredentialsNotFound returns an error when no API token is stored.
func ErrCredentialsNotFound(service string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no credentials stored for %s", service),
		Suggestion: "Run 'offsync login' to store an API token",
	}
}

// ErrAuthenticationFailed returns an error when the server rejects the token.
func ErrAuthenticationFailed() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("authentication failed"),
		Suggestion: "Verify your token is correct and has not expired, then run 'offsync login' again",
	}
}

// ErrInvalidMode returns an error for an unknown connectivity mode.
func ErrInvalidMode(mode string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid connectivity mode: %s", mode),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}
