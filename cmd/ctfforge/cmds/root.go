package cmds

import (
	"context"

	cc "github.com/ivanpirog/coloredcobra"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/cmd/ctfforge/cmds")

var (
	rootDir         string
	configPath      string
	challengeFilter []string
	basePort        int
	backend         string
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "ctfforge",
	Short: "Build, test, and deploy CTF competition challenges",
	Long: `ctfforge takes a tree of challenge descriptors and builds their static
artifacts, deploys their services with deterministic public ports, runs
their solve scripts against the live instances, and pushes the finished
set onto a scoreboard.`,
}

func Execute(ctx context.Context) error {
	cc.Init(&cc.Config{
		RootCmd:         rootCmd,
		Commands:        cc.Bold,
		Example:         cc.Italic,
		ExecName:        cc.Bold,
		Flags:           cc.Bold,
		NoExtraNewlines: true,
	})

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&rootDir, "root", ".", "Challenge tree root (contains challenges/)")
	rootCmd.PersistentFlags().
		StringVar(&configPath, "config", "", "Config file path. Defaults to ctfforge.yaml in . or /etc/ctfforge/")
	rootCmd.PersistentFlags().
		StringSliceVar(&challengeFilter, "challenge", nil, "Restrict to the named challenges (repeatable)")
	rootCmd.PersistentFlags().
		IntVar(&basePort, "base-port", 0, "Override the base public port")
	rootCmd.PersistentFlags().
		StringVar(&backend, "backend", "docker", "Container backend: docker or kubernetes")
	rootCmd.PersistentFlags().
		BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}
