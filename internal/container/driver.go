package container

import (
	"context"
	"time"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/ports"
)

// A virtual host: one isolated deployment target for the full challenge
// set, identified by the address players connect to.
type Host struct {
	Name    string
	Address string
}

// Everything a driver needs to start one challenge instance: the deploy
// steps, the port allocation intent, and the resolved environment
// overrides shared by all steps (generated flag values included).
type InstanceSpec struct {
	Challenge *challenge.Challenge
	Host      Host
	Network   string
	Ports     []ports.Assignment
	Env       map[string]string
}

// A running (or partially running) challenge instance. Handles are owned
// exclusively by the (challenge, host) pair that created them.
type Handle struct {
	ID        string
	Challenge string
	Host      Host
	Network   string
	Env       map[string]string
	Steps     []StepHandle
}

type StepHandle struct {
	Name        string
	ContainerID string
	Healthcheck *challenge.Healthcheck
	Index       int
}

// A one-shot container run to completion, used for solve scripts.
type RunSpec struct {
	Name       string
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Env        map[string]string
	Network    string
	Timeout    time.Duration
}

type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

//go:generate mockgen -destination ./mock/mock.go -package mock . Driver

// Driver abstracts one container backend. The orchestrator only ever
// issues this operation set; backend protocol details stay out of the
// core.
type Driver interface {
	// Builds (if needed) and starts all of a challenge's deploy steps as a
	// cohesive unit. Partial starts are cleaned up before the error returns.
	Start(ctx context.Context, spec *InstanceSpec) (*Handle, error)
	// Blocks until every step with a declared healthcheck reports healthy
	// within its own retry budget. Steps without a healthcheck are
	// immediately healthy.
	WaitHealthy(ctx context.Context, handle *Handle) error
	// Idempotent best-effort teardown. A handle whose containers are
	// already gone is not an error.
	Stop(ctx context.Context, handle *Handle) error
	// Logs of one deploy step.
	Logs(ctx context.Context, handle *Handle, stepIndex int) ([]byte, error)
	// The actually-bound public endpoint for a declared port. The logical
	// allocation communicates intent; the runtime owns the real bind.
	PublicEndpoint(
		ctx context.Context,
		handle *Handle,
		declared challenge.Port,
	) (string, int, error)
	// Run executes a one-shot container to completion on the instance
	// network, bounded by the spec timeout.
	Run(ctx context.Context, spec *RunSpec) (*RunResult, error)
	// Adopt reconstructs a handle from the backend's deterministic names,
	// so Stop reaches instances started by an earlier process. Returns nil
	// for challenges without a runtime.
	Adopt(ch *challenge.Challenge, host Host) *Handle
}
