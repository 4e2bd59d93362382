package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/container")

// Ensure DockerDriver implements Driver interface.
var _ Driver = (*DockerDriver)(nil)

// Local-runtime backend talking straight to the engine API.
type DockerDriver struct {
	cli           client.APIClient
	networkPrefix string
}

// NewDockerClient connects to the engine the standard way: environment
// configuration plus API version negotiation.
func NewDockerClient() (client.APIClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func NewDockerDriver(networkPrefix string) (*DockerDriver, error) {
	cli, err := NewDockerClient()
	if err != nil {
		return nil, err
	}

	return &DockerDriver{cli: cli, networkPrefix: networkPrefix}, nil
}

func NewDockerDriverWithClient(cli client.APIClient, networkPrefix string) *DockerDriver {
	return &DockerDriver{cli: cli, networkPrefix: networkPrefix}
}

// Container and network names must be valid docker tags.
func SafeName(name string) string {
	out := strings.ToLower(name)
	out = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, out)
	return strings.Trim(out, "-.")
}

func (d *DockerDriver) networkName(spec *InstanceSpec) string {
	if spec.Network != "" {
		return spec.Network
	}
	return SafeName(fmt.Sprintf(
		"%s-%s-%s",
		d.networkPrefix,
		spec.Host.Name,
		spec.Challenge.Name,
	))
}

func (d *DockerDriver) ensureNetwork(ctx context.Context, name string) (string, error) {
	inspect, err := d.cli.NetworkInspect(ctx, name, networktypes.InspectOptions{})
	if err == nil {
		return inspect.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", err
	}

	created, err := d.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func stepContainerName(network string, ch *challenge.Challenge, stepIndex int) string {
	return SafeName(fmt.Sprintf("%s-%s-%d", network, ch.Name, stepIndex))
}

func healthConfig(hc *challenge.Healthcheck) *containertypes.HealthConfig {
	if hc == nil {
		return nil
	}
	return &containertypes.HealthConfig{
		Test:        []string{"CMD-SHELL", hc.Test},
		Interval:    hc.IntervalDuration(),
		Timeout:     hc.TimeoutDuration(),
		Retries:     hc.RetryBudget(),
		StartPeriod: hc.StartPeriodDuration(),
	}
}

func resources(limits *challenge.ResourceLimits) containertypes.Resources {
	if limits == nil {
		return containertypes.Resources{}
	}
	return containertypes.Resources{
		NanoCPUs: int64(limits.CPUs * 1e9),
		Memory:   limits.MemoryMB * units.MiB,
	}
}

func natProto(p challenge.PortProtocol) string {
	if p == challenge.PortUDP {
		return "udp"
	}
	return "tcp"
}

func stepEnv(step *challenge.DeployStep, overrides map[string]string) []string {
	merged := map[string]string{}
	for _, ev := range step.Env {
		merged[ev.Name] = ev.Value
	}
	for key, value := range overrides {
		merged[key] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}

// Start implements Driver.
func (d *DockerDriver) Start(ctx context.Context, spec *InstanceSpec) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "DockerDriver.Start", trace.WithAttributes(
		attribute.String("challenge", spec.Challenge.Name),
		attribute.String("host", spec.Host.Name),
	))
	defer span.End()

	network := d.networkName(spec)
	if _, err := d.ensureNetwork(ctx, network); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ensure network")
		return nil, runerrors.StartError{
			Challenge: spec.Challenge.Name,
			Host:      spec.Host.Name,
			Err:       err,
		}
	}

	handle := &Handle{
		ID:        uuid.NewString(),
		Challenge: spec.Challenge.Name,
		Host:      spec.Host,
		Network:   network,
		Env:       spec.Env,
	}

	for stepIndex := range spec.Challenge.Deploy {
		step := &spec.Challenge.Deploy[stepIndex]

		containerID, err := d.startStep(ctx, spec, network, stepIndex, step)
		if err != nil {
			// unwind anything already running for this pair
			if stopErr := d.Stop(ctx, handle); stopErr != nil {
				logger.Logger.WarnContext(ctx, "cleanup after failed start",
					"challenge", spec.Challenge.Name, "error", stopErr)
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to start deploy step")
			return nil, runerrors.StartError{
				Challenge: spec.Challenge.Name,
				Host:      spec.Host.Name,
				Err:       err,
			}
		}

		handle.Steps = append(handle.Steps, StepHandle{
			Index:       stepIndex,
			Name:        step.Name,
			ContainerID: containerID,
			Healthcheck: step.Healthcheck,
		})
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "started instance")
	return handle, nil
}

func (d *DockerDriver) startStep(
	ctx context.Context,
	spec *InstanceSpec,
	network string,
	stepIndex int,
	step *challenge.DeployStep,
) (string, error) {
	tag := stepContainerName(network, spec.Challenge, stepIndex)

	imageID, err := BuildImage(ctx, d.cli, spec.Challenge.Dir, step.Path, step.Args, tag)
	if err != nil {
		return "", err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range step.Ports {
		natPort, err := nat.NewPort(natProto(port.Protocol), strconv.Itoa(port.Value))
		if err != nil {
			return "", err
		}
		exposed[natPort] = struct{}{}
	}

	// Public ports bind to the allocated slots; internal ports stay on the
	// pair network only.
	for _, assignment := range spec.Ports {
		if assignment.StepIndex != stepIndex {
			continue
		}
		natPort, err := nat.NewPort(
			natProto(assignment.Declared.Protocol),
			strconv.Itoa(assignment.Declared.Value),
		)
		if err != nil {
			return "", err
		}
		bindings[natPort] = append(bindings[natPort], nat.PortBinding{
			HostIP:   spec.Host.Address,
			HostPort: strconv.Itoa(assignment.PublicPort),
		})
	}

	aliases := []string{SafeName(spec.Challenge.Name)}
	if step.Name != "" {
		aliases = append(aliases, SafeName(step.Name))
	}

	created, err := d.cli.ContainerCreate(
		ctx,
		&containertypes.Config{
			Image:        imageID,
			Env:          stepEnv(step, spec.Env),
			ExposedPorts: exposed,
			Healthcheck:  healthConfig(step.Healthcheck),
		},
		&containertypes.HostConfig{
			PortBindings: bindings,
			Resources:    resources(step.Limits),
		},
		&networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				network: {Aliases: aliases},
			},
		},
		nil,
		tag,
	)
	if err != nil {
		return "", err
	}

	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", err
	}

	return created.ID, nil
}

// WaitHealthy implements Driver. Each step with a healthcheck gets its own
// bounded poll loop; a step without one counts as immediately healthy.
func (d *DockerDriver) WaitHealthy(ctx context.Context, handle *Handle) error {
	ctx, span := tracer.Start(ctx, "DockerDriver.WaitHealthy", trace.WithAttributes(
		attribute.String("challenge", handle.Challenge),
	))
	defer span.End()

	for _, step := range handle.Steps {
		if step.Healthcheck == nil {
			continue
		}

		if err := d.waitStepHealthy(ctx, handle, step); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step never reported healthy")
			return err
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "instance healthy")
	return nil
}

func (d *DockerDriver) waitStepHealthy(
	ctx context.Context,
	handle *Handle,
	step StepHandle,
) error {
	hc := step.Healthcheck

	if hc.StartPeriod > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hc.StartPeriodDuration()):
		}
	}

	// WithMaxRetries(n) makes n+1 attempts; the declared budget is the
	// total attempt count.
	backoff := retry.WithMaxRetries(uint64(hc.RetryBudget()-1), retry.NewConstant(hc.IntervalDuration()))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		inspect, err := d.cli.ContainerInspect(ctx, step.ContainerID)
		if err != nil {
			return retry.RetryableError(err)
		}

		if inspect.State == nil || !inspect.State.Running {
			return retry.RetryableError(errors.New("container not running"))
		}
		if inspect.State.Health == nil {
			return nil
		}
		if inspect.State.Health.Status != containertypes.Healthy {
			return retry.RetryableError(
				fmt.Errorf("health status %q", inspect.State.Health.Status),
			)
		}

		return nil
	})
	if err != nil {
		return runerrors.HealthcheckError{
			Step:     stepLabel(handle, step),
			Attempts: hc.RetryBudget(),
			Err:      err,
		}
	}

	return nil
}

func stepLabel(handle *Handle, step StepHandle) string {
	if step.Name != "" {
		return fmt.Sprintf("%s/%s", handle.Challenge, step.Name)
	}
	return fmt.Sprintf("%s/%d", handle.Challenge, step.Index)
}

// Adopt implements Driver.
func (d *DockerDriver) Adopt(ch *challenge.Challenge, host Host) *Handle {
	if !ch.HasRuntime() {
		return nil
	}

	network := d.networkName(&InstanceSpec{Challenge: ch, Host: host})
	handle := &Handle{
		Challenge: ch.Name,
		Host:      host,
		Network:   network,
	}
	for stepIndex, step := range ch.Deploy {
		handle.Steps = append(handle.Steps, StepHandle{
			Index:       stepIndex,
			Name:        step.Name,
			ContainerID: stepContainerName(network, ch, stepIndex),
			Healthcheck: step.Healthcheck,
		})
	}
	return handle
}

// Stop implements Driver. Best-effort: containers already gone are fine,
// and individual failures are joined for the caller's report rather than
// aborting the teardown.
func (d *DockerDriver) Stop(ctx context.Context, handle *Handle) error {
	ctx, span := tracer.Start(ctx, "DockerDriver.Stop", trace.WithAttributes(
		attribute.String("challenge", handle.Challenge),
	))
	defer span.End()

	var errs []error
	for _, step := range handle.Steps {
		err := d.cli.ContainerRemove(ctx, step.ContainerID, containertypes.RemoveOptions{
			Force: true,
		})
		if err != nil && !client.IsErrNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to remove container",
				"container", step.ContainerID, "error", err)
			errs = append(errs, err)
		}
	}

	if handle.Network != "" {
		err := d.cli.NetworkRemove(ctx, handle.Network)
		if err != nil && !client.IsErrNotFound(err) {
			// network may be shared with a sibling still running; log only
			logger.Logger.DebugContext(ctx, "failed to remove network",
				"network", handle.Network, "error", err)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial teardown")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stopped instance")
	return nil
}

// Logs implements Driver.
func (d *DockerDriver) Logs(ctx context.Context, handle *Handle, stepIndex int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "DockerDriver.Logs")
	defer span.End()

	if stepIndex < 0 || stepIndex >= len(handle.Steps) {
		err := fmt.Errorf("no deploy step %d", stepIndex)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid step index")
		return nil, err
	}

	reader, err := d.cli.ContainerLogs(ctx, handle.Steps[stepIndex].ContainerID,
		containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch logs")
		return nil, err
	}
	defer reader.Close()

	stdout, stderr, err := demux(reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to demux logs")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "fetched logs")
	return append(stdout, stderr...), nil
}

// PublicEndpoint implements Driver. Looks up the actually-bound host port
// from the runtime instead of trusting the logical allocation.
func (d *DockerDriver) PublicEndpoint(
	ctx context.Context,
	handle *Handle,
	declared challenge.Port,
) (string, int, error) {
	ctx, span := tracer.Start(ctx, "DockerDriver.PublicEndpoint", trace.WithAttributes(
		attribute.Int("port.declared", declared.Value),
	))
	defer span.End()

	natPort, err := nat.NewPort(natProto(declared.Protocol), strconv.Itoa(declared.Value))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid declared port")
		return "", 0, err
	}

	for _, step := range handle.Steps {
		inspect, err := d.cli.ContainerInspect(ctx, step.ContainerID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to inspect container")
			return "", 0, err
		}
		if inspect.NetworkSettings == nil {
			continue
		}

		bindings, ok := inspect.NetworkSettings.Ports[natPort]
		if !ok || len(bindings) == 0 {
			continue
		}

		bound, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unparsable bound port")
			return "", 0, err
		}

		address := handle.Host.Address
		if address == "" || address == "0.0.0.0" {
			address = "127.0.0.1"
		}

		span.SetAttributes(attribute.Int("port.bound", bound))
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "resolved endpoint")
		return address, bound, nil
	}

	err = fmt.Errorf("port %d is not bound on %s", declared.Value, handle.Challenge)
	span.RecordError(err)
	span.SetStatus(codes.Error, "port not bound")
	return "", 0, err
}

// Run implements Driver. Builds and runs a one-shot container, waits for
// it to exit within the timeout, and returns its demuxed output.
func (d *DockerDriver) Run(ctx context.Context, spec *RunSpec) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "DockerDriver.Run", trace.WithAttributes(
		attribute.String("name", spec.Name),
	))
	defer span.End()

	tag := SafeName(spec.Name)
	imageID, err := BuildImage(ctx, d.cli, spec.ContextDir, spec.Dockerfile, spec.BuildArgs, tag)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build image")
		return nil, err
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	var networking *networktypes.NetworkingConfig
	if spec.Network != "" {
		networking = &networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	name := SafeName(fmt.Sprintf("%s-%s", spec.Name, uuid.NewString()[:8]))
	created, err := d.cli.ContainerCreate(
		ctx,
		&containertypes.Config{Image: imageID, Env: env},
		&containertypes.HostConfig{},
		networking,
		nil,
		name,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create container")
		return nil, err
	}
	defer func() {
		err := d.cli.ContainerRemove(
			context.WithoutCancel(ctx),
			created.ID,
			containertypes.RemoveOptions{Force: true},
		)
		if err != nil && !client.IsErrNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to remove run container",
				"container", created.ID, "error", err)
		}
	}()

	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start container")
		return nil, err
	}

	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	statusCh, errCh := d.cli.ContainerWait(waitCtx, created.ID, containertypes.WaitConditionNotRunning)

	exitCode := 0
	select {
	case err := <-errCh:
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait failed")
		return nil, err
	case status := <-statusCh:
		if status.Error != nil {
			err := errors.New(status.Error.Message)
			span.RecordError(err)
			span.SetStatus(codes.Error, "container errored")
			return nil, err
		}
		exitCode = int(status.StatusCode)
	}

	reader, err := d.cli.ContainerLogs(ctx, created.ID,
		containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch run logs")
		return nil, err
	}
	defer reader.Close()

	stdout, stderr, err := demux(reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to demux run logs")
		return nil, err
	}

	span.AddEvent("ran", trace.WithAttributes(attribute.Int("exitCode", exitCode)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "run finished")
	return &RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func demux(reader io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
