package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctfforge/ctfforge/internal/ctfd"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var ctfdOutput string

var ctfdCmd = &cobra.Command{
	Use:   "ctfd",
	Short: "Scoreboard integration",
}

var ctfdSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Push challenges, flags, hints, attachments, and team accounts to CTFd",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "ctfdSetupCmd")
		defer span.End()

		cfg, err := loadConfig()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load config")
			return err
		}
		if cfg.CTFd == nil || cfg.CTFd.URL == "" || cfg.CTFd.Token == "" {
			err := runerrors.ConfigErrorf("ctfd url and token must be configured")
			span.RecordError(err)
			span.SetStatus(codes.Error, "missing ctfd credentials")
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

		client := ctfd.Create(cfg.CTFd)
		credentials, err := ctfd.Setup(ctx, client, set, hosts, cfg, ctfdOutput)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "setup failed")
			return err
		}

		for _, credential := range credentials {
			fmt.Printf("%s\t%s\n", credential.Name, credential.Password)
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "pushed challenge set")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ctfdCmd)
	ctfdCmd.AddCommand(ctfdSetupCmd)

	ctfdSetupCmd.Flags().
		StringSliceVar(&hostSpecs, "host", nil, "Team host as name=address (repeatable)")
	ctfdSetupCmd.Flags().
		StringVar(&ctfdOutput, "output", "dist", "Directory for staged attachments")
}
