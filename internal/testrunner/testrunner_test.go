package testrunner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/container/mock"
	"github.com/ctfforge/ctfforge/internal/testrunner"
)

func deployedChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		Name:     "overflow",
		Category: "pwn",
		Flags:    []challenge.Flag{{Value: "ctf{abc}", CaseSensitive: true}},
		Deploy: []challenge.DeployStep{
			{Ports: []challenge.Port{{Protocol: challenge.PortTCP, Value: 1337, Public: true}}},
		},
		Test: []challenge.TestStep{{Path: "solve.Dockerfile"}},
	}
}

func testOptions() testrunner.Options {
	return testrunner.Options{
		Retries:     2,
		RetryDelay:  time.Millisecond,
		StepTimeout: time.Second,
	}
}

var localHost = container.Host{Name: "local", Address: "127.0.0.1"}

func TestTestPair(t *testing.T) {
	ctx := context.Background()

	t.Run("PassFirstAttempt", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		handle := &container.Handle{Challenge: ch.Name, Host: localHost, Network: "net"}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(1)
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, spec *container.RunSpec) (*container.RunResult, error) {
				assert.Equal(t, "0", spec.Env[testrunner.EnvChallengeID])
				assert.Equal(t, "127.0.0.1", spec.Env[testrunner.EnvChallengeHost])
				assert.Equal(t, "8000", spec.Env[testrunner.EnvChallengePort])
				assert.Equal(t, "ctf{abc}", spec.Env[testrunner.EnvFlag])
				assert.Equal(t, "static", spec.Env[testrunner.EnvFlagType])
				assert.Equal(t, "net", spec.Network)

				return &container.RunResult{Stdout: []byte("solving...\nctf{abc}\n")}, nil
			}).
			Times(1)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 1)
		assert.True(t, results[0].Passed)
		assert.Equal(t, 1, results[0].Attempts)
	})

	t.Run("RetriesThenPasses", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		handle := &container.Handle{Challenge: ch.Name, Host: localHost}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(1)

		calls := 0
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, *container.RunSpec) (*container.RunResult, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("connection refused")
				}
				return &container.RunResult{Stdout: []byte("ctf{abc}")}, nil
			}).
			Times(3)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 1)
		assert.True(t, results[0].Passed)
		assert.Equal(t, 3, results[0].Attempts)
	})

	t.Run("FlagMismatchExhaustsBudget", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		handle := &container.Handle{Challenge: ch.Name, Host: localHost}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(1)
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			Return(&container.RunResult{Stdout: []byte("ctf{wrong}")}, nil).
			Times(3)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Equal(t, 3, results[0].Attempts)
		assert.Contains(t, results[0].Reason, "flag_mismatch")
	})

	t.Run("ScriptError", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		handle := &container.Handle{Challenge: ch.Name, Host: localHost}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(1)
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			Return(&container.RunResult{ExitCode: 2, Stderr: []byte("boom")}, nil).
			Times(3)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "script_error")
	})

	t.Run("StaticChallengeNoEndpoint", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := &challenge.Challenge{
			Name:     "forensics",
			Category: "misc",
			Flags:    []challenge.Flag{{Value: "ctf{file}"}},
			Test:     []challenge.TestStep{{Path: "solve.Dockerfile"}},
		}

		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, spec *container.RunSpec) (*container.RunResult, error) {
				_, hasHost := spec.Env[testrunner.EnvChallengeHost]
				assert.False(t, hasHost)
				_, hasPort := spec.Env[testrunner.EnvChallengePort]
				assert.False(t, hasPort)

				return &container.RunResult{Stdout: []byte("CTF{FILE}")}, nil
			}).
			Times(1)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 2, ch, localHost, nil)

		// default matching is case-insensitive
		require.Len(t, results, 1)
		assert.True(t, results[0].Passed)
	})

	t.Run("EveryFlagIsSolved", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		ch.Flags = []challenge.Flag{
			{Value: "ctf{first}", CaseSensitive: true},
			{Value: "ctf{second}", CaseSensitive: true},
		}
		handle := &container.Handle{Challenge: ch.Name, Host: localHost}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(2)

		seen := map[string]int{}
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, spec *container.RunSpec) (*container.RunResult, error) {
				seen[spec.Env[testrunner.EnvFlag]]++
				return &container.RunResult{Stdout: []byte(spec.Env[testrunner.EnvFlag])}, nil
			}).
			Times(2)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 2)
		assert.Equal(t, 0, results[0].Flag)
		assert.Equal(t, 1, results[1].Flag)
		assert.True(t, results[0].Passed)
		assert.True(t, results[1].Passed)
		assert.Equal(t, map[string]int{"ctf{first}": 1, "ctf{second}": 1}, seen)
	})

	t.Run("EnvBoundFlag", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		driver := mock.NewMockDriver(ctrl)

		ch := deployedChallenge()
		ch.Flags = []challenge.Flag{{Env: "SECRET", CaseSensitive: true}}
		handle := &container.Handle{
			Challenge: ch.Name,
			Host:      localHost,
			Env:       map[string]string{"SECRET": "ctf{minted}"},
		}

		driver.EXPECT().
			PublicEndpoint(gomock.Any(), handle, gomock.Any()).
			Return("127.0.0.1", 8000, nil).
			Times(1)
		driver.EXPECT().
			Run(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, spec *container.RunSpec) (*container.RunResult, error) {
				assert.Equal(t, "ctf{minted}", spec.Env[testrunner.EnvFlag])
				return &container.RunResult{Stdout: []byte("ctf{minted}")}, nil
			}).
			Times(1)

		runner := testrunner.New(driver, testOptions())
		results := runner.TestPair(ctx, 0, ch, localHost, handle)

		require.Len(t, results, 1)
		assert.True(t, results[0].Passed)
	})
}
