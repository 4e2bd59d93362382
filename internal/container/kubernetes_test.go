package container_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/ports"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

func clusterChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		Name:     "heapnote",
		Category: "pwn",
		Flags:    []challenge.Flag{{Value: "ctf{heap}"}},
		Deploy: []challenge.DeployStep{
			{
				Name: "app",
				Env:  []challenge.EnvVar{{Name: "MODE", Value: "prod"}},
				Ports: []challenge.Port{
					{Protocol: challenge.PortTCP, Value: 1337, Public: true},
					{Protocol: challenge.PortTCP, Value: 5432},
				},
				Healthcheck: &challenge.Healthcheck{Test: "nc -z localhost 1337"},
			},
		},
	}
}

func TestKubernetesDriver(t *testing.T) {
	ctx := context.Background()
	host := container.Host{Name: "team-a", Address: "203.0.113.7"}

	t.Run("StartRendersManifests", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		driver := container.NewKubernetesDriverWithClientset(clientset, "ctf")

		ch := clusterChallenge()
		spec := &container.InstanceSpec{
			Challenge: ch,
			Host:      host,
			Ports: []ports.Assignment{
				{
					StepIndex:  0,
					Declared:   ch.Deploy[0].Ports[0],
					PublicPort: 30137,
				},
			},
			Env: map[string]string{"SECRET": "minted"},
		}

		handle, err := driver.Start(ctx, spec)
		require.NoError(t, err)
		require.Len(t, handle.Steps, 1)

		deployments, err := clientset.AppsV1().
			Deployments("ctf").
			List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		require.Len(t, deployments.Items, 1)

		pod := deployments.Items[0].Spec.Template.Spec
		require.Len(t, pod.Containers, 1)
		assert.NotNil(t, pod.Containers[0].ReadinessProbe)

		env := map[string]string{}
		for _, variable := range pod.Containers[0].Env {
			env[variable.Name] = variable.Value
		}
		assert.Equal(t, "prod", env["MODE"])
		assert.Equal(t, "minted", env["SECRET"])

		services, err := clientset.CoreV1().
			Services("ctf").
			List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		require.Len(t, services.Items, 1)

		service := services.Items[0]
		require.Len(t, service.Spec.Ports, 2)
		assert.Equal(t, int32(30137), service.Spec.Ports[0].NodePort)
		assert.Equal(t, int32(1337), service.Spec.Ports[0].Port)
		assert.Equal(t, int32(0), service.Spec.Ports[1].NodePort)

		address, port, err := driver.PublicEndpoint(ctx, handle, ch.Deploy[0].Ports[0])
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7", address)
		assert.Equal(t, 30137, port)
	})

	t.Run("StopIsIdempotent", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		driver := container.NewKubernetesDriverWithClientset(clientset, "ctf")

		ch := clusterChallenge()
		handle, err := driver.Start(ctx, &container.InstanceSpec{Challenge: ch, Host: host})
		require.NoError(t, err)

		require.NoError(t, driver.Stop(ctx, handle))
		// nothing left behind; a second stop must not error
		require.NoError(t, driver.Stop(ctx, handle))

		deployments, err := clientset.AppsV1().
			Deployments("ctf").
			List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, deployments.Items)
	})

	t.Run("WaitHealthyHonorsRetryBudget", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		driver := container.NewKubernetesDriverWithClientset(clientset, "ctf")

		ch := clusterChallenge()
		ch.Deploy[0].Healthcheck = &challenge.Healthcheck{
			Test:     "nc -z localhost 1337",
			Interval: 0.001,
			Retries:  3,
		}

		handle, err := driver.Start(ctx, &container.InstanceSpec{Challenge: ch, Host: host})
		require.NoError(t, err)

		// the fake deployment never gains a ready replica
		polls := 0
		clientset.PrependReactor("get", "deployments",
			func(k8stesting.Action) (bool, runtime.Object, error) {
				polls++
				return false, nil, nil
			})

		err = driver.WaitHealthy(ctx, handle)
		require.Error(t, err)

		var hcErr runerrors.HealthcheckError
		require.ErrorAs(t, err, &hcErr)
		assert.Equal(t, 3, hcErr.Attempts)
		assert.Equal(t, 3, polls)
	})

	t.Run("RunTimesOutAsDeadline", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		driver := container.NewKubernetesDriverWithClientset(clientset, "ctf")

		// the fake job never reaches Succeeded or Failed
		_, err := driver.Run(ctx, &container.RunSpec{
			Name:    "heapnote-solve-0",
			Timeout: 50 * time.Millisecond,
		})

		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("AdoptMatchesStartNames", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		driver := container.NewKubernetesDriverWithClientset(clientset, "ctf")

		ch := clusterChallenge()
		handle, err := driver.Start(ctx, &container.InstanceSpec{Challenge: ch, Host: host})
		require.NoError(t, err)

		adopted := driver.Adopt(ch, host)
		require.NotNil(t, adopted)
		require.Len(t, adopted.Steps, len(handle.Steps))
		assert.Equal(t, handle.Steps[0].ContainerID, adopted.Steps[0].ContainerID)
	})
}
