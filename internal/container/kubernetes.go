package container

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

const (
	ChallengeLabel = "ctfforge.dev/challenge"
	HostLabel      = "ctfforge.dev/host"
	StepLabel      = "ctfforge.dev/step"
)

// Ensure KubernetesDriver implements Driver interface.
var _ Driver = (*KubernetesDriver)(nil)

// Cluster backend rendering Deployment/Service/Job manifests. Images are
// expected to be present in a registry the cluster can pull from; the
// build flow pushes them ahead of deployment.
type KubernetesDriver struct {
	clientset kubernetes.Interface
	namespace string
}

func NewKubernetesDriver(
	namespace string,
	kubeconfig string,
	inCluster bool,
) (*KubernetesDriver, error) {
	var clusterConfig *rest.Config
	var err error
	if inCluster {
		clusterConfig, err = rest.InClusterConfig()
	} else {
		if kubeconfig == "" {
			kubeconfig = homedir.HomeDir() + "/.kube/config"
		}
		clusterConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		return nil, err
	}

	return &KubernetesDriver{clientset: clientset, namespace: namespace}, nil
}

func NewKubernetesDriverWithClientset(
	clientset kubernetes.Interface,
	namespace string,
) *KubernetesDriver {
	return &KubernetesDriver{clientset: clientset, namespace: namespace}
}

func (d *KubernetesDriver) stepName(spec *InstanceSpec, stepIndex int) string {
	return SafeName(fmt.Sprintf(
		"%s-%s-%d",
		spec.Host.Name,
		spec.Challenge.Name,
		stepIndex,
	))
}

func (d *KubernetesDriver) labels(spec *InstanceSpec, stepIndex int) map[string]string {
	return map[string]string{
		ChallengeLabel: SafeName(spec.Challenge.Name),
		HostLabel:      SafeName(spec.Host.Name),
		StepLabel:      fmt.Sprintf("%d", stepIndex),
	}
}

func k8sEnv(step *challenge.DeployStep, overrides map[string]string) []corev1.EnvVar {
	merged := map[string]string{}
	for _, ev := range step.Env {
		merged[ev.Name] = ev.Value
	}
	for key, value := range overrides {
		merged[key] = value
	}

	out := make([]corev1.EnvVar, 0, len(merged))
	for key, value := range merged {
		out = append(out, corev1.EnvVar{Name: key, Value: value})
	}
	return out
}

func k8sProbe(hc *challenge.Healthcheck) *corev1.Probe {
	if hc == nil {
		return nil
	}
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{
				Command: []string{"/bin/sh", "-c", hc.Test},
			},
		},
		InitialDelaySeconds: int32(hc.StartPeriod),
		PeriodSeconds:       int32(hc.IntervalDuration().Seconds()),
		TimeoutSeconds:      int32(hc.TimeoutDuration().Seconds()),
		FailureThreshold:    int32(hc.RetryBudget()),
	}
}

func k8sResources(limits *challenge.ResourceLimits) corev1.ResourceRequirements {
	if limits == nil {
		return corev1.ResourceRequirements{}
	}

	list := corev1.ResourceList{}
	if limits.CPUs > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(
			int64(limits.CPUs*1000),
			resource.DecimalSI,
		)
	}
	if limits.MemoryMB > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(
			limits.MemoryMB*1024*1024,
			resource.BinarySI,
		)
	}
	return corev1.ResourceRequirements{Limits: list}
}

func (d *KubernetesDriver) renderDeployment(
	spec *InstanceSpec,
	stepIndex int,
	step *challenge.DeployStep,
) *appsv1.Deployment {
	name := d.stepName(spec, stepIndex)
	labels := d.labels(spec, stepIndex)
	replicas := int32(1)

	containerPorts := make([]corev1.ContainerPort, 0, len(step.Ports))
	for _, port := range step.Ports {
		proto := corev1.ProtocolTCP
		if port.Protocol == challenge.PortUDP {
			proto = corev1.ProtocolUDP
		}
		containerPorts = append(containerPorts, corev1.ContainerPort{
			ContainerPort: int32(port.Value),
			Protocol:      proto,
		})
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:           "challenge",
							Image:          name + ":latest",
							Env:            k8sEnv(step, spec.Env),
							Ports:          containerPorts,
							ReadinessProbe: k8sProbe(step.Healthcheck),
							Resources:      k8sResources(step.Limits),
						},
					},
				},
			},
		},
	}
}

func (d *KubernetesDriver) renderService(
	spec *InstanceSpec,
	stepIndex int,
	step *challenge.DeployStep,
) *corev1.Service {
	name := d.stepName(spec, stepIndex)
	labels := d.labels(spec, stepIndex)

	servicePorts := make([]corev1.ServicePort, 0, len(step.Ports))
	serviceType := corev1.ServiceTypeClusterIP
	for portIndex, port := range step.Ports {
		proto := corev1.ProtocolTCP
		if port.Protocol == challenge.PortUDP {
			proto = corev1.ProtocolUDP
		}

		servicePort := corev1.ServicePort{
			Name:     fmt.Sprintf("port-%d", portIndex),
			Port:     int32(port.Value),
			Protocol: proto,
		}

		if port.Public {
			serviceType = corev1.ServiceTypeNodePort
			for _, assignment := range spec.Ports {
				if assignment.StepIndex == stepIndex &&
					assignment.Declared.Value == port.Value {
					servicePort.NodePort = int32(assignment.PublicPort)
				}
			}
		}

		servicePorts = append(servicePorts, servicePort)
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     serviceType,
			Selector: labels,
			Ports:    servicePorts,
		},
	}
}

// Start implements Driver.
func (d *KubernetesDriver) Start(ctx context.Context, spec *InstanceSpec) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.Start", trace.WithAttributes(
		attribute.String("challenge", spec.Challenge.Name),
		attribute.String("host", spec.Host.Name),
	))
	defer span.End()

	handle := &Handle{
		ID:        uuid.NewString(),
		Challenge: spec.Challenge.Name,
		Host:      spec.Host,
		Env:       spec.Env,
	}

	for stepIndex := range spec.Challenge.Deploy {
		step := &spec.Challenge.Deploy[stepIndex]
		name := d.stepName(spec, stepIndex)

		deployment := d.renderDeployment(spec, stepIndex, step)
		_, err := d.clientset.AppsV1().
			Deployments(d.namespace).
			Create(ctx, deployment, metav1.CreateOptions{})
		if err != nil && !errors.IsAlreadyExists(err) {
			if stopErr := d.Stop(ctx, handle); stopErr != nil {
				logger.Logger.WarnContext(ctx, "cleanup after failed start",
					"challenge", spec.Challenge.Name, "error", stopErr)
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create deployment")
			return nil, runerrors.StartError{
				Challenge: spec.Challenge.Name,
				Host:      spec.Host.Name,
				Err:       err,
			}
		}

		if len(step.Ports) > 0 {
			service := d.renderService(spec, stepIndex, step)
			_, err = d.clientset.CoreV1().
				Services(d.namespace).
				Create(ctx, service, metav1.CreateOptions{})
			if err != nil && !errors.IsAlreadyExists(err) {
				if stopErr := d.Stop(ctx, handle); stopErr != nil {
					logger.Logger.WarnContext(ctx, "cleanup after failed start",
						"challenge", spec.Challenge.Name, "error", stopErr)
				}

				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to create service")
				return nil, runerrors.StartError{
					Challenge: spec.Challenge.Name,
					Host:      spec.Host.Name,
					Err:       err,
				}
			}
		}

		handle.Steps = append(handle.Steps, StepHandle{
			Index:       stepIndex,
			Name:        step.Name,
			ContainerID: name,
			Healthcheck: step.Healthcheck,
		})
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "applied manifests")
	return handle, nil
}

// WaitHealthy implements Driver. Polls each step's deployment for a ready
// replica within the step's own retry budget.
func (d *KubernetesDriver) WaitHealthy(ctx context.Context, handle *Handle) error {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.WaitHealthy", trace.WithAttributes(
		attribute.String("challenge", handle.Challenge),
	))
	defer span.End()

	for _, step := range handle.Steps {
		interval := time.Second
		budget := 3
		if step.Healthcheck != nil {
			interval = step.Healthcheck.IntervalDuration()
			budget = step.Healthcheck.RetryBudget()
		}

		// WithMaxRetries(n) makes n+1 attempts; the declared budget is the
		// total attempt count.
		backoff := retry.WithMaxRetries(uint64(budget-1), retry.NewConstant(interval))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			deployment, err := d.clientset.AppsV1().
				Deployments(d.namespace).
				Get(ctx, step.ContainerID, metav1.GetOptions{})
			if err != nil {
				return retry.RetryableError(err)
			}
			if deployment.Status.ReadyReplicas < 1 {
				return retry.RetryableError(fmt.Errorf(
					"deployment %s has no ready replicas", step.ContainerID,
				))
			}
			return nil
		})
		if err != nil {
			hcErr := runerrors.HealthcheckError{
				Step:     stepLabel(handle, step),
				Attempts: budget,
				Err:      err,
			}
			span.RecordError(hcErr)
			span.SetStatus(codes.Error, "step never became ready")
			return hcErr
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "instance healthy")
	return nil
}

// Adopt implements Driver.
func (d *KubernetesDriver) Adopt(ch *challenge.Challenge, host Host) *Handle {
	if !ch.HasRuntime() {
		return nil
	}

	spec := &InstanceSpec{Challenge: ch, Host: host}
	handle := &Handle{
		Challenge: ch.Name,
		Host:      host,
	}
	for stepIndex, step := range ch.Deploy {
		handle.Steps = append(handle.Steps, StepHandle{
			Index:       stepIndex,
			Name:        step.Name,
			ContainerID: d.stepName(spec, stepIndex),
			Healthcheck: step.Healthcheck,
		})
	}
	return handle
}

// Stop implements Driver.
func (d *KubernetesDriver) Stop(ctx context.Context, handle *Handle) error {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.Stop", trace.WithAttributes(
		attribute.String("challenge", handle.Challenge),
	))
	defer span.End()

	for _, step := range handle.Steps {
		err := d.clientset.AppsV1().
			Deployments(d.namespace).
			Delete(ctx, step.ContainerID, metav1.DeleteOptions{})
		if err != nil && !errors.IsNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to delete deployment",
				"deployment", step.ContainerID, "error", err)
		}

		err = d.clientset.CoreV1().
			Services(d.namespace).
			Delete(ctx, step.ContainerID, metav1.DeleteOptions{})
		if err != nil && !errors.IsNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to delete service",
				"service", step.ContainerID, "error", err)
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted manifests")
	return nil
}

// Logs implements Driver.
func (d *KubernetesDriver) Logs(ctx context.Context, handle *Handle, stepIndex int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.Logs")
	defer span.End()

	if stepIndex < 0 || stepIndex >= len(handle.Steps) {
		err := fmt.Errorf("no deploy step %d", stepIndex)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid step index")
		return nil, err
	}

	step := handle.Steps[stepIndex]
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%d",
			ChallengeLabel, SafeName(handle.Challenge), StepLabel, step.Index),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pods")
		return nil, err
	}
	if len(pods.Items) == 0 {
		err := fmt.Errorf("no pods for step %s", step.ContainerID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no pods")
		return nil, err
	}

	raw, err := d.clientset.CoreV1().
		Pods(d.namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).
		DoRaw(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch pod logs")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "fetched logs")
	return raw, nil
}

// PublicEndpoint implements Driver. Reads the node port the cluster
// actually assigned for the declared port.
func (d *KubernetesDriver) PublicEndpoint(
	ctx context.Context,
	handle *Handle,
	declared challenge.Port,
) (string, int, error) {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.PublicEndpoint", trace.WithAttributes(
		attribute.Int("port.declared", declared.Value),
	))
	defer span.End()

	for _, step := range handle.Steps {
		service, err := d.clientset.CoreV1().
			Services(d.namespace).
			Get(ctx, step.ContainerID, metav1.GetOptions{})
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to get service")
			return "", 0, err
		}

		for _, servicePort := range service.Spec.Ports {
			if int(servicePort.Port) == declared.Value && servicePort.NodePort != 0 {
				span.SetAttributes(attribute.Int("port.bound", int(servicePort.NodePort)))
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "resolved endpoint")
				return handle.Host.Address, int(servicePort.NodePort), nil
			}
		}
	}

	err := fmt.Errorf("port %d is not exposed on %s", declared.Value, handle.Challenge)
	span.RecordError(err)
	span.SetStatus(codes.Error, "port not exposed")
	return "", 0, err
}

// Run implements Driver. Solve scripts run as one-shot Jobs; their image
// must already be pushed, matching the cluster deployment flow.
func (d *KubernetesDriver) Run(ctx context.Context, spec *RunSpec) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "KubernetesDriver.Run", trace.WithAttributes(
		attribute.String("name", spec.Name),
	))
	defer span.End()

	name := SafeName(fmt.Sprintf("%s-%s", spec.Name, uuid.NewString()[:8]))
	labels := map[string]string{ChallengeLabel: SafeName(spec.Name)}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	completions := int32(1)
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Completions:  &completions,
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "solve",
							Image: SafeName(spec.Name) + ":latest",
							Env:   env,
						},
					},
				},
			},
		},
	}

	created, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return nil, err
	}
	defer func() {
		propagation := metav1.DeletePropagationBackground
		err := d.clientset.BatchV1().Jobs(d.namespace).Delete(
			context.WithoutCancel(ctx),
			created.Name,
			metav1.DeleteOptions{PropagationPolicy: &propagation},
		)
		if err != nil && !errors.IsNotFound(err) {
			logger.Logger.WarnContext(ctx, "failed to delete job",
				"job", created.Name, "error", err)
		}
	}()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(2*time.Second))
	exitCode := 0
	stillRunning := false
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, created.Name, metav1.GetOptions{})
		if err != nil {
			return retry.RetryableError(err)
		}
		if job.Status.Succeeded > 0 {
			exitCode = 0
			stillRunning = false
			return nil
		}
		if job.Status.Failed > 0 {
			exitCode = 1
			stillRunning = false
			return nil
		}
		stillRunning = true
		return retry.RetryableError(fmt.Errorf("job %s still running", created.Name))
	})
	if err != nil {
		// A job still running when the poll budget runs out is a timeout,
		// not a script failure.
		if stillRunning && ctx.Err() == nil {
			err = fmt.Errorf("job %s: %w", created.Name, context.DeadlineExceeded)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "job did not finish in time")
		return nil, err
	}

	var stdout []byte
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ChallengeLabel, SafeName(spec.Name)),
	})
	if err == nil && len(pods.Items) > 0 {
		stdout, err = d.clientset.CoreV1().
			Pods(d.namespace).
			GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).
			DoRaw(ctx)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to fetch solve logs",
				"job", created.Name, "error", err)
		}
	}

	span.AddEvent("ran", trace.WithAttributes(attribute.Int("exitCode", exitCode)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "job finished")
	return &RunResult{Stdout: stdout, ExitCode: exitCode}, nil
}
