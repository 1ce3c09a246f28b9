package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	autotest "github.com/pdostal/os-autoinst"
	"github.com/pdostal/os-autoinst/exitcodes"
	"github.com/pdostal/os-autoinst/flags"
	"github.com/pdostal/os-autoinst/service"
	"github.com/pdostal/os-autoinst/worker"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "autotest"
	app.Usage = "OS-level integration test scheduler"
	app.Description = "autotest runs an ordered schedule of test units against a live system under test"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		code := exitcodes.RuntimeErr
		if autotest.IsTestFailureError(err) {
			code = exitcodes.TestFailure
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), code))
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context) error {
	logger := newLogger(ctx.String(flags.LogLevel.Name))
	log.SetDefault(logger)

	cfg, err := autotest.NewConfig(ctx, logger)
	if err != nil {
		return autotest.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	if cfg.WorkerMode {
		os.Exit(worker.Main(worker.Config{
			Log:               logger,
			CaseDir:           cfg.CaseDir,
			AssetDir:          cfg.AssetDir,
			ResultDir:         cfg.ResultDir,
			SchedulePath:      cfg.SchedulePath,
			LoadDir:           cfg.LoadDir,
			StartFrom:         cfg.SkipTo,
			TestDebug:         cfg.TestDebug,
			MakeTestSnapshots: cfg.MakeTestSnapshots,
			DumpMemoryOnFail:  cfg.DumpMemoryOnFail,
		}))
	}

	// The worker is this same binary, re-invoked with the same flags
	// plus the worker role switch.
	cfg.WorkerArgs = append(os.Args[1:], "--"+flags.Worker.Name)

	svc := service.New(filepath.Join(cfg.ResultDir, "testorder.json"))
	svc.Start(ctx.Context)
	defer svc.Shutdown()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	at, err := autotest.New(sigCtx, cfg, Version)
	if err != nil {
		return autotest.NewRuntimeError(fmt.Errorf("failed to create autotest: %w", err))
	}
	return at.Start(sigCtx)
}

func newLogger(level string) log.Logger {
	return log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, parseLevel(level), false))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "crit":
		return log.LevelCrit
	default:
		return log.LevelInfo
	}
}
