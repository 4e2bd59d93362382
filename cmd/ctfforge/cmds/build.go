package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctfforge/ctfforge/internal/attach"
	"github.com/ctfforge/ctfforge/internal/buildrunner"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var buildOutput string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build static artifacts and stage attachments for every challenge",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, span := tracer.Start(cmd.Context(), "buildCmd")
		defer span.End()

		if _, err := loadConfig(); err != nil {
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

		runner, err := buildrunner.New()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to connect to engine")
			return err
		}

		failed := 0
		for _, ch := range set {
			if len(ch.Build) > 0 {
				artifacts, err := runner.Build(ctx, ch)
				if err != nil {
					logger.Logger.ErrorContext(ctx, "build failed",
						"challenge", ch.Name, "error", err)
					failed++
					continue
				}
				logger.Logger.InfoContext(ctx, "built challenge",
					"challenge", ch.Name, "artifacts", len(artifacts))
			}

			if len(ch.Attachments) > 0 {
				staged, err := attach.Package(ctx, ch, buildOutput)
				if err != nil {
					logger.Logger.ErrorContext(ctx, "staging attachments failed",
						"challenge", ch.Name, "error", err)
					failed++
					continue
				}
				logger.Logger.InfoContext(ctx, "staged attachments",
					"challenge", ch.Name, "files", len(staged))
			}
		}

		if failed > 0 {
			err := runerrors.ExitErrorWrap(
				1,
				fmt.Errorf("%d of %d challenges failed to build", failed, len(set)),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "build failures")
			return err
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "built challenge set")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().
		StringVar(&buildOutput, "output", "dist", "Directory for staged attachments")
}
