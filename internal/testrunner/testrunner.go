// Package testrunner runs a challenge's solve scripts against its
// deployed instance and checks the flag each one reports.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/testrunner")

// Environment handed to every solve-script container.
const (
	EnvChallengeID   = "CHALLENGE_ID"
	EnvChallengeHost = "CHALLENGE_HOST"
	EnvChallengePort = "CHALLENGE_PORT"
	EnvFlag          = "FLAG"
	EnvFlagType      = "FLAG_TYPE"
)

type Options struct {
	// Extra attempts after the first failure of a test step.
	Retries uint64
	// Fixed delay between attempts.
	RetryDelay time.Duration
	// Wall-clock bound on a single solve-script run.
	StepTimeout time.Duration
}

// Outcome of one (challenge, host, step, flag) run; a step is solved once
// per declared flag.
type StepResult struct {
	Challenge string `json:"challenge"`
	Host      string `json:"host"`
	Step      int    `json:"step"`
	Flag      int    `json:"flag"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
}

type Runner struct {
	driver container.Driver
	opts   Options
}

func New(driver container.Driver, opts Options) *Runner {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	return &Runner{driver: driver, opts: opts}
}

// TestPair runs every declared test step of one challenge against one
// host, once per declared flag. offset is the challenge's position in the
// sorted set, exposed to solve scripts as CHALLENGE_ID. handle is nil for
// challenges without a runtime. Failures never short-circuit the
// remaining runs.
func (r *Runner) TestPair(
	ctx context.Context,
	offset int,
	ch *challenge.Challenge,
	host container.Host,
	handle *container.Handle,
) []StepResult {
	ctx, span := tracer.Start(ctx, "Runner.TestPair", trace.WithAttributes(
		attribute.String("challenge", ch.Name),
		attribute.String("host", host.Name),
		attribute.Int("steps", len(ch.Test)),
		attribute.Int("flags", len(ch.Flags)),
	))
	defer span.End()

	results := make([]StepResult, 0, len(ch.Test)*len(ch.Flags))
	for stepIndex := range ch.Test {
		for flagIndex := range ch.Flags {
			result := StepResult{
				Challenge: ch.Name,
				Host:      host.Name,
				Step:      stepIndex,
				Flag:      flagIndex,
			}

			attempts, err := r.runStep(ctx, offset, ch, stepIndex, flagIndex, handle)
			result.Attempts = attempts
			if err != nil {
				result.Reason = err.Error()
				logger.Logger.WarnContext(ctx, "test step failed",
					"challenge", ch.Name,
					"host", host.Name,
					"step", stepIndex,
					"flag", flagIndex,
					"attempts", attempts,
					"error", err)
			} else {
				result.Passed = true
			}

			results = append(results, result)
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "pair tested")
	return results
}

// solveEnv builds the contract environment for one solve run. Static
// challenges get no host/port variables.
func (r *Runner) solveEnv(
	ctx context.Context,
	offset int,
	ch *challenge.Challenge,
	flag *challenge.Flag,
	step *challenge.TestStep,
	handle *container.Handle,
) (map[string]string, error) {
	var instanceEnv map[string]string
	if handle != nil {
		instanceEnv = handle.Env
	}
	expected, err := flag.Resolve(instanceEnv)
	if err != nil {
		return nil, runerrors.ConfigErrorf("%s: %s", ch.Name, err.Error())
	}

	env := map[string]string{
		EnvChallengeID: strconv.Itoa(offset),
		EnvFlag:        expected,
		EnvFlagType:    string(flag.Type()),
	}

	if handle != nil {
		if public := ch.PublicPorts(); len(public) > 0 {
			address, port, err := r.driver.PublicEndpoint(ctx, handle, public[0])
			if err != nil {
				return nil, fmt.Errorf("resolve endpoint: %w", err)
			}
			env[EnvChallengeHost] = address
			env[EnvChallengePort] = strconv.Itoa(port)
		}
	}

	for _, extra := range step.Env {
		env[extra.Name] = extra.Value
	}

	return env, nil
}

// runStep runs one solve script under the retry budget and returns how
// many attempts it took. Bad flag patterns are configuration mistakes and
// skip the retry loop entirely.
func (r *Runner) runStep(
	ctx context.Context,
	offset int,
	ch *challenge.Challenge,
	stepIndex int,
	flagIndex int,
	handle *container.Handle,
) (int, error) {
	ctx, span := tracer.Start(ctx, "Runner.runStep", trace.WithAttributes(
		attribute.String("challenge", ch.Name),
		attribute.Int("step", stepIndex),
		attribute.Int("flag", flagIndex),
	))
	defer span.End()

	step := &ch.Test[stepIndex]
	flag := &ch.Flags[flagIndex]
	env, err := r.solveEnv(ctx, offset, ch, flag, step, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build solve environment")
		return 0, err
	}

	spec := &container.RunSpec{
		Name:       fmt.Sprintf("%s-solve-%d", ch.Name, stepIndex),
		ContextDir: ch.Dir,
		Dockerfile: step.Path,
		BuildArgs:  step.Args,
		Env:        env,
		Timeout:    r.opts.StepTimeout,
	}
	if handle != nil {
		spec.Network = handle.Network
	}

	attempts := 0
	backoff := retry.WithMaxRetries(r.opts.Retries, retry.NewConstant(r.opts.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := r.attempt(ctx, ch, flag, spec, env[EnvFlag])
		if err == nil {
			return nil
		}
		var cfgErr runerrors.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "test step failed")
		return attempts, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "test step passed")
	return attempts, nil
}

func (r *Runner) attempt(
	ctx context.Context,
	ch *challenge.Challenge,
	flag *challenge.Flag,
	spec *container.RunSpec,
	expected string,
) error {
	result, err := r.driver.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return runerrors.SolveErrorWrap(runerrors.SolveReasonTimeout, spec.Name, err)
		}
		return runerrors.SolveErrorWrap(runerrors.SolveReasonScriptError, spec.Name, err)
	}
	if result.ExitCode != 0 {
		return runerrors.SolveError{
			Reason: runerrors.SolveReasonScriptError,
			Detail: fmt.Sprintf("exit code %d: %s", result.ExitCode, lastLine(result.Stderr)),
		}
	}

	reported := lastLine(result.Stdout)
	matched, err := flag.Matches(expected, reported)
	if err != nil {
		return runerrors.ConfigErrorf("%s: %s", ch.Name, err.Error())
	}
	if !matched {
		return runerrors.SolveError{
			Reason: runerrors.SolveReasonFlagMismatch,
			Detail: fmt.Sprintf("reported %q", reported),
		}
	}

	return nil
}

// The reported flag is the last non-empty line of the solve script's
// output, so scripts are free to log above it.
func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimRight(string(output), "\r\n \t"), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
