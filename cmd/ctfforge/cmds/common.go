package cmds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ctfforge/ctfforge/internal/buildrunner"
	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/config"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/orchestrator"
	"github.com/ctfforge/ctfforge/internal/runerrors"
	"github.com/ctfforge/ctfforge/internal/testrunner"
)

// loadConfig applies the global flag overrides, then loads the config.
func loadConfig() (*config.Config, error) {
	if verbose {
		logger.LogLevel.Set(slog.LevelDebug)
	}
	if configPath != "" {
		config.SetConfigFile(configPath)
	}
	if basePort > 0 {
		config.Override(config.BasePort, basePort)
	}

	return config.GetConfig()
}

// loadChallenges loads the full set under --root, narrowed by --challenge.
func loadChallenges(ctx context.Context) ([]*challenge.Challenge, error) {
	set, err := challenge.LoadSet(ctx, rootDir)
	if err != nil {
		return nil, err
	}
	if len(challengeFilter) > 0 {
		return challenge.Filter(set, challengeFilter)
	}
	return set, nil
}

// parseHosts turns --host name=address values into virtual hosts. With no
// flags a single local host is assumed.
func parseHosts(specs []string) ([]container.Host, error) {
	if len(specs) == 0 {
		return []container.Host{{Name: "local", Address: "127.0.0.1"}}, nil
	}

	hosts := make([]container.Host, 0, len(specs))
	for _, spec := range specs {
		name, address, ok := strings.Cut(spec, "=")
		if !ok || name == "" || address == "" {
			return nil, runerrors.ConfigErrorf("invalid host %q, expected name=address", spec)
		}
		hosts = append(hosts, container.Host{Name: name, Address: address})
	}
	return hosts, nil
}

func newDriver(cfg *config.Config) (container.Driver, error) {
	switch backend {
	case "docker":
		return container.NewDockerDriver(cfg.Docker.NetworkPrefix)
	case "kubernetes":
		return container.NewKubernetesDriver(
			cfg.Kubernetes.Namespace,
			cfg.Kubernetes.Kubeconfig,
			cfg.Kubernetes.InCluster,
		)
	default:
		return nil, runerrors.ConfigErrorf("unknown backend %q", backend)
	}
}

// newOrchestrator wires the full deployment stack. Builds always run
// against the local engine; the cluster backend consumes pushed images.
func newOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	driver, err := newDriver(cfg)
	if err != nil {
		return nil, err
	}

	builder, err := buildrunner.New()
	if err != nil {
		return nil, err
	}

	tester := testrunner.New(driver, testrunner.Options{
		Retries:     uint64(cfg.Test.Retries),
		RetryDelay:  cfg.Test.RetryDelay,
		StepTimeout: cfg.Test.StepTimeout,
	})

	return orchestrator.New(driver, builder, tester, cfg), nil
}

// renderReport prints the report in the requested format and converts a
// failed run into a non-zero exit.
func renderReport(report *orchestrator.Report, format string) error {
	switch format {
	case "text":
		fmt.Print(report.Text())
	case "json":
		out, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "yaml":
		out, err := report.YAML()
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
	default:
		return runerrors.ConfigErrorf("unknown format %q", format)
	}

	if !report.OK {
		return runerrors.ExitErrorWrap(1, errors.New("one or more pairs failed"))
	}
	return nil
}
