package runerrors

import (
	"fmt"
)

// Carries an exit code along with an error so the app can exit correctly
type ExitError struct {
	Err  error
	Code int
}

func (e ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d", e.Code)
	}

	return fmt.Sprintf("%d: %s", e.Code, e.Err.Error())
}

func (e ExitError) Unwrap() error {
	return e.Err
}

// Wrap an error with an exit code
func ExitErrorWrap(code int, err error) error {
	return ExitError{Code: code, Err: err}
}

// A configuration problem detected before any deployment work begins.
// Fatal for the whole run.
type ConfigError struct {
	Err     error
	Context string
}

func (e ConfigError) Error() string {
	if e.Err == nil {
		return e.Context
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Err.Error())
}

func (e ConfigError) Unwrap() error {
	return e.Err
}

func ConfigErrorf(format string, args ...any) error {
	return ConfigError{Context: fmt.Sprintf(format, args...)}
}

// A build step failed. Fatal for the affected challenge only.
type BuildError struct {
	Err       error
	Challenge string
	Step      string
}

func (e BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("build %s/%s failed", e.Challenge, e.Step)
	}
	return fmt.Sprintf("build %s/%s failed: %s", e.Challenge, e.Step, e.Err.Error())
}

func (e BuildError) Unwrap() error {
	return e.Err
}

// A challenge instance failed to start. Fatal for the affected
// (challenge, host) pair only.
type StartError struct {
	Err       error
	Challenge string
	Host      string
}

func (e StartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("start %s on %s failed", e.Challenge, e.Host)
	}
	return fmt.Sprintf("start %s on %s failed: %s", e.Challenge, e.Host, e.Err.Error())
}

func (e StartError) Unwrap() error {
	return e.Err
}

// A deploy step never reported healthy inside its retry budget.
// Recorded as a failed result, never fatal for the process.
type HealthcheckError struct {
	Err      error
	Step     string
	Attempts int
}

func (e HealthcheckError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %s unhealthy after %d attempts", e.Step, e.Attempts)
	}
	return fmt.Sprintf(
		"step %s unhealthy after %d attempts: %s",
		e.Step,
		e.Attempts,
		e.Err.Error(),
	)
}

func (e HealthcheckError) Unwrap() error {
	return e.Err
}

// Why a solve run failed
type SolveReason string

const (
	SolveReasonFlagMismatch SolveReason = "flag_mismatch"
	SolveReasonScriptError  SolveReason = "script_error"
	SolveReasonTimeout      SolveReason = "timeout"
)

// A solve script did not produce the expected flag.
// Recorded as a failed result after the retry budget is exhausted.
type SolveError struct {
	Err    error
	Reason SolveReason
	Detail string
}

func (e SolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Detail, e.Err.Error())
}

func (e SolveError) Unwrap() error {
	return e.Err
}

func SolveErrorWrap(reason SolveReason, detail string, err error) error {
	return SolveError{Reason: reason, Detail: detail, Err: err}
}
