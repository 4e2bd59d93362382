package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/cmd/ctfforge/cmds"
	"github.com/ctfforge/ctfforge/internal/logger"
	otelctfforge "github.com/ctfforge/ctfforge/internal/otel"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/cmd/ctfforge")

func runApp(ctx context.Context) int {
	useOTLP, err := strconv.ParseBool(os.Getenv("USE_OTLP"))
	if err != nil {
		useOTLP = false
	}

	shutdown, err := otelctfforge.SetupOTelSDK(ctx, useOTLP)
	if err != nil {
		logger.Logger.Warn("failed to setup otel sdk")
	}
	defer func() {
		fail := shutdown(context.WithoutCancel(ctx))
		if fail != nil {
			logger.Logger.Warn("no clean shutdown for otel", "error", fail)
		}
	}()

	ctx, span := tracer.Start(ctx, "ctfforge", trace.WithNewRoot())
	defer span.End()

	err = cmds.Execute(ctx)
	if err != nil {
		logger.Logger.Error("error executing subcommands", "error", err)

		var ee runerrors.ExitError
		if errors.As(err, &ee) {
			return ee.Code
		}
		return 1
	}

	return 0
}

func main() {
	logger.LogLevel.Set(slog.LevelInfo)
	logger.InitSlog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(runApp(ctx))
}
