package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/ports"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the challenge tree without deploying anything",
	Long: `Checks every descriptor against the schema, rejects duplicate names
and unknown step types, and verifies the public port declarations fit the
configured block size.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validateCmd")
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
			span.SetStatus(codes.Error, "invalid challenge tree")
			return err
		}

		names := make([]string, 0, len(set))
		for _, ch := range set {
			names = append(names, ch.Name)
		}
		blocks, err := ports.Allocate(names, cfg.Ports.BlockSize, cfg.Ports.BasePort)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "port allocation rejected")
			return err
		}
		for _, ch := range set {
			if _, err := ports.AssignPublic(blocks[ch.Name], ch); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "port declaration rejected")
				return err
			}
		}

		fmt.Printf("%d challenges ok\n", len(set))
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "validated challenge tree")
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the challenge descriptor JSON schema",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(string(challenge.Schema()))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
}
