// Package orchestrator drives challenge lifecycles across virtual hosts:
// build, start, healthcheck, test, stop. Pairs of (challenge, host) are
// independent and run concurrently; work within one pair is strictly
// sequential.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ctfforge/ctfforge/internal/buildrunner"
	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/config"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/ports"
	"github.com/ctfforge/ctfforge/internal/runerrors"
	"github.com/ctfforge/ctfforge/internal/tasks"
	"github.com/ctfforge/ctfforge/internal/testrunner"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/orchestrator")

type Mode string

const (
	ModeStart Mode = "start"
	ModeStop  Mode = "stop"
	ModeTest  Mode = "test"
)

// Builder produces a challenge's static artifacts ahead of deployment.
type Builder interface {
	Build(ctx context.Context, ch *challenge.Challenge) ([]string, error)
}

var _ Builder = (*buildrunner.Runner)(nil)

type Orchestrator struct {
	driver   container.Driver
	builder  Builder
	tester   *testrunner.Runner
	registry *container.Registry
	cleanup  *tasks.Client
	cfg      *config.Config
}

func New(
	driver container.Driver,
	builder Builder,
	tester *testrunner.Runner,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		driver:   driver,
		builder:  builder,
		tester:   tester,
		registry: container.NewRegistry(),
		cleanup:  tasks.New(),
		cfg:      cfg,
	}
}

// pairPlan is everything decided before any runtime work starts. The port
// view is read-only from here on.
type pairPlan struct {
	offset      int
	ch          *challenge.Challenge
	host        container.Host
	assignments []ports.Assignment
}

// plan computes the full port allocation for every (challenge, host) pair
// up front. Any configuration problem aborts the run before a single
// container is touched.
func (o *Orchestrator) plan(
	set []*challenge.Challenge,
	hosts []container.Host,
) ([]pairPlan, error) {
	names := make([]string, 0, len(set))
	for _, ch := range set {
		names = append(names, ch.Name)
		if ch.Host != nil && ch.Host.Index >= len(hosts) {
			return nil, runerrors.ConfigErrorf(
				"challenge %q is pinned to host %d but only %d hosts are configured",
				ch.Name, ch.Host.Index, len(hosts),
			)
		}
	}

	var plans []pairPlan
	for hostIndex, host := range hosts {
		base := ports.HostBase(
			o.cfg.Ports.BasePort,
			hostIndex,
			len(set),
			o.cfg.Ports.BlockSize,
			o.cfg.Ports.PerHostRanges,
		)
		blocks, err := ports.Allocate(names, o.cfg.Ports.BlockSize, base)
		if err != nil {
			return nil, err
		}

		for offset, ch := range set {
			if ch.Host != nil && ch.Host.Index != hostIndex {
				continue
			}

			assignments, err := ports.AssignPublic(blocks[ch.Name], ch)
			if err != nil {
				return nil, err
			}

			plans = append(plans, pairPlan{
				offset:      offset,
				ch:          ch,
				host:        host,
				assignments: assignments,
			})
		}
	}

	return plans, nil
}

// generatedEnv mints values for deploy-step variables marked generate,
// shared by every step of the instance so env-bound flags resolve to the
// same value the service received.
func generatedEnv(ch *challenge.Challenge) map[string]string {
	env := map[string]string{}
	for _, step := range ch.Deploy {
		for _, variable := range step.Env {
			if variable.Generate {
				env[variable.Name] = uuid.NewString()
			}
		}
	}
	return env
}

// Deploy runs one mode over the whole set. Per-pair failures land in the
// report; only configuration errors detected before deployment abort the
// run itself.
func (o *Orchestrator) Deploy(
	ctx context.Context,
	set []*challenge.Challenge,
	hosts []container.Host,
	mode Mode,
) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Deploy", trace.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.Int("challenges", len(set)),
		attribute.Int("hosts", len(hosts)),
	))
	defer span.End()

	report := &Report{Mode: mode}

	if mode == ModeStop {
		o.stopAll(ctx, set, hosts, report)
		report.finalize()
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "stopped")
		return report, nil
	}

	plans, err := o.plan(set, hosts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "configuration rejected")
		return nil, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Orchestrator.Parallelism)

	results := make([]PairResult, len(plans))
	for planIndex, plan := range plans {
		group.Go(func() error {
			results[planIndex] = o.runPair(groupCtx, plan, mode)
			return nil
		})
	}

	// Pair functions never return errors; Wait only observes cancellation.
	_ = group.Wait()

	report.Pairs = results
	report.finalize()

	if ctx.Err() != nil {
		o.interruptCleanup(ctx)
	}

	span.SetAttributes(attribute.Bool("ok", report.OK))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deployed")
	return report, nil
}

// runPair takes one (challenge, host) pair through the lifecycle. Any
// failure is terminal for the pair and recorded with its reason; other
// pairs are unaffected.
func (o *Orchestrator) runPair(ctx context.Context, plan pairPlan, mode Mode) PairResult {
	ctx, span := tracer.Start(ctx, "Orchestrator.runPair", trace.WithAttributes(
		attribute.String("challenge", plan.ch.Name),
		attribute.String("host", plan.host.Name),
	))
	defer span.End()

	result := PairResult{
		Challenge: plan.ch.Name,
		Host:      plan.host.Name,
		State:     StateNotDeployed,
	}

	fail := func(state PairState, err error) PairResult {
		result.State = state
		result.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
		return result
	}

	if len(plan.ch.Build) > 0 {
		result.State = StateBuilding
		if _, err := o.builder.Build(ctx, plan.ch); err != nil {
			return fail(StateBuilding, err)
		}
	}

	var handle *container.Handle
	if plan.ch.HasRuntime() {
		result.State = StateStarting
		spec := &container.InstanceSpec{
			Challenge: plan.ch,
			Host:      plan.host,
			Ports:     plan.assignments,
			Env:       generatedEnv(plan.ch),
		}

		started, err := o.driver.Start(ctx, spec)
		if err != nil {
			return fail(StateStarting, err)
		}
		handle = started
		o.registry.Put(handle)

		result.State = StateHealthChecking
		if err := o.driver.WaitHealthy(ctx, handle); err != nil {
			return fail(StateUnhealthy, err)
		}
		result.State = StateHealthy
	}

	if mode == ModeTest {
		result.State = StateTesting
		result.Tests = o.tester.TestPair(ctx, plan.offset, plan.ch, plan.host, handle)
		for _, test := range result.Tests {
			if !test.Passed {
				result.Reason = test.Reason
			}
		}

		if handle != nil {
			if err := o.driver.Stop(ctx, handle); err != nil {
				logger.Logger.WarnContext(ctx, "failed to stop tested instance",
					"challenge", plan.ch.Name, "host", plan.host.Name, "error", err)
			}
			o.registry.Remove(plan.ch.Name, plan.host.Name)
			result.State = StateStopped
		}

		if result.Reason != "" {
			span.SetStatus(codes.Error, "tests failed")
			return result
		}
	}

	result.OK = true
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "pair finished")
	return result
}

// stopAll issues best-effort stops for every pair. Pairs that were never
// started are no-ops, and individual failures never abort the sweep.
func (o *Orchestrator) stopAll(
	ctx context.Context,
	set []*challenge.Challenge,
	hosts []container.Host,
	report *Report,
) {
	ctx, span := tracer.Start(ctx, "Orchestrator.stopAll")
	defer span.End()

	for hostIndex, host := range hosts {
		for _, ch := range set {
			if ch.Host != nil && ch.Host.Index != hostIndex {
				continue
			}

			result := PairResult{
				Challenge: ch.Name,
				Host:      host.Name,
				State:     StateStopped,
				OK:        true,
			}

			handle, running := o.registry.Get(ch.Name, host.Name)
			if !running && ch.HasRuntime() {
				// The runtime may hold instances this process never
				// started. Reconstruct a handle so teardown still reaches
				// them.
				handle = o.driver.Adopt(ch, host)
				running = handle != nil
			}

			if running {
				if err := o.driver.Stop(ctx, handle); err != nil {
					result.OK = false
					result.Reason = err.Error()
				}
				o.registry.Remove(ch.Name, host.Name)
			}

			report.Pairs = append(report.Pairs, result)
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stop sweep finished")
}

// interruptCleanup stops everything still registered after a canceled
// run, bounded by the graceful shutdown budget.
func (o *Orchestrator) interruptCleanup(ctx context.Context) {
	grace := time.Duration(o.cfg.Orchestrator.GracefulShutdownSecs) * time.Second
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	for _, handle := range o.registry.All() {
		o.cleanup.Run(cleanupCtx, func(taskCtx context.Context) {
			if err := o.driver.Stop(taskCtx, handle); err != nil {
				logger.Logger.WarnContext(taskCtx, "interrupt cleanup failed",
					"challenge", handle.Challenge, "host", handle.Host.Name, "error", err)
			}
		})
	}

	if err := o.cleanup.Shutdown(cleanupCtx); err != nil &&
		!errors.Is(cleanupCtx.Err(), context.Canceled) {
		logger.Logger.ErrorContext(ctx, "interrupt cleanup did not finish in time", "error", err)
	}
}
