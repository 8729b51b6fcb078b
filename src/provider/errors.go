package provider

import (
	"errors"
	"fmt"
)

// Errors shared by the provider API clients. APIError unwraps to them by
// HTTP status.
var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrBuildNotFound  = errors.New("build not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrNetworkTimeout = errors.New("network timeout")
)

// UserError is an error fit for printing to a CLI user.
type UserError struct {
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += "\n\nHint: " + e.Hint
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n\nDetails: %v", e.Err)
	}
	return msg
}

func (e *UserError) Unwrap() error {
	return e.Err
}

var userErrors = []struct {
	target  error
	message string
	hint    string
}{
	{
		ErrProviderUnknown,
		"Unknown CI provider",
		"Supported providers: buildkite, github, jenkins.\nEnable the provider in the config file and set its credentials.",
	},
	{
		ErrAuthFailed,
		"Authentication failed",
		"Check that your API token is valid and has the correct permissions.\n" +
			"  - Buildkite: set BUILDKITE_API_TOKEN\n" +
			"  - GitHub: set GITHUB_TOKEN\n" +
			"  - Jenkins: set JENKINS_USER and JENKINS_API_TOKEN\n" +
			"  - Phabricator: set PHABRICATOR_API_TOKEN",
	},
	{
		ErrBuildNotFound,
		"Build not found",
		"Check that the project's remote id is correct and that the token can see it.",
	},
	{
		ErrRateLimited,
		"Rate limited by the CI provider",
		"Wait and run the command again. Workers retry on their own after sync.retry_delay.",
	},
	{
		ErrNetworkTimeout,
		"The CI provider timed out",
		"Check the provider's base URL in the config file and try again.",
	},
}

// WrapError turns provider errors into UserErrors with a hint. Other
// errors, and errors that already are UserErrors, are returned unchanged.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return err
	}
	for _, u := range userErrors {
		if errors.Is(err, u.target) {
			return &UserError{Message: u.message, Hint: u.hint, Err: err}
		}
	}
	return err
}

// UnrecoverableError marks an adapter failure that no retry can fix, such
// as a missing mapping or configuration. The task loop aborts the entity.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err as an UnrecoverableError.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// Unrecoverablef formats an UnrecoverableError.
func Unrecoverablef(format string, args ...interface{}) error {
	return &UnrecoverableError{Err: fmt.Errorf(format, args...)}
}

// IsUnrecoverable reports whether err, or anything it wraps, is unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}
