package cmds

import (
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctfforge/ctfforge/internal/orchestrator"
)

var (
	hostSpecs    []string
	reportFormat string
)

// runDeploy is the shared body of start, stop, and test.
func runDeploy(cmd *cobra.Command, mode orchestrator.Mode) error {
	ctx, span := tracer.Start(cmd.Context(), string(mode)+"Cmd")
	defer span.End()

	cfg, err := loadConfig()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load config")
		return err
	}

	set, err := loadChallenges(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load challenges")
		return err
	}

	hosts, err := parseHosts(hostSpecs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse hosts")
		return err
	}

	orch, err := newOrchestrator(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to wire orchestrator")
		return err
	}

	report, err := orch.Deploy(ctx, set, hosts, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deployment aborted")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deployment finished")
	return renderReport(report, reportFormat)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Build and start every challenge instance, waiting for health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDeploy(cmd, orchestrator.ModeStart)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every running challenge instance (best effort)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDeploy(cmd, orchestrator.ModeStop)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Deploy every challenge and run its solve scripts against it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDeploy(cmd, orchestrator.ModeTest)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, stopCmd, testCmd} {
		rootCmd.AddCommand(cmd)
		cmd.Flags().
			StringSliceVar(&hostSpecs, "host", nil, "Virtual host as name=address (repeatable). Defaults to local=127.0.0.1")
		cmd.Flags().
			StringVar(&reportFormat, "format", "text", "Report format: text, json, or yaml")
	}
}
