package autotest

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/pdostal/os-autoinst/flags"
)

// Config holds the application configuration
type Config struct {
	CaseDir   string
	AssetDir  string
	ResultDir string

	SchedulePath string
	LoadDir      string

	BackendSocket string

	SkipTo            string
	TestDebug         bool
	MakeTestSnapshots bool
	DumpMemoryOnFail  bool

	WorkerMode bool
	WorkerArgs []string // how the supervisor re-invokes this binary

	Log log.Logger
}

// fileConfig is the optional TOML config file; flags override its values.
type fileConfig struct {
	CaseDir       string `toml:"casedir"`
	AssetDir      string `toml:"assetdir"`
	ResultDir     string `toml:"resultdir"`
	Schedule      string `toml:"schedule"`
	LoadDir       string `toml:"loaddir"`
	BackendSocket string `toml:"backend_socket"`
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	var file fileConfig
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		logger.Debug("Config file loaded", "path", path)
	}

	pick := func(flagVal, fileVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return fileVal
	}

	caseDir := pick(ctx.String(flags.CaseDir.Name), file.CaseDir)
	if caseDir == "" {
		return nil, errors.New("case directory is required")
	}
	absCaseDir, err := filepath.Abs(caseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path for case directory %q: %w", caseDir, err)
	}

	assetDir := pick(ctx.String(flags.AssetDir.Name), file.AssetDir)
	if assetDir != "" {
		if assetDir, err = filepath.Abs(assetDir); err != nil {
			return nil, fmt.Errorf("resolving absolute path for asset directory: %w", err)
		}
	}

	resultDir := ctx.String(flags.ResultDir.Name)
	if !ctx.IsSet(flags.ResultDir.Name) && file.ResultDir != "" {
		resultDir = file.ResultDir
	}
	if resultDir, err = filepath.Abs(resultDir); err != nil {
		return nil, fmt.Errorf("resolving absolute path for result directory: %w", err)
	}

	schedulePath := pick(ctx.String(flags.Schedule.Name), file.Schedule)
	loadDir := pick(ctx.String(flags.LoadDir.Name), file.LoadDir)
	if schedulePath == "" && loadDir == "" {
		return nil, errors.New("either a schedule profile or a load directory is required")
	}

	return &Config{
		CaseDir:           absCaseDir,
		AssetDir:          assetDir,
		ResultDir:         resultDir,
		SchedulePath:      schedulePath,
		LoadDir:           loadDir,
		BackendSocket:     pick(ctx.String(flags.BackendSocket.Name), file.BackendSocket),
		SkipTo:            ctx.String(flags.SkipTo.Name),
		TestDebug:         ctx.Bool(flags.TestDebug.Name),
		MakeTestSnapshots: ctx.Bool(flags.MakeTestSnapshots.Name),
		DumpMemoryOnFail:  ctx.Bool(flags.DumpMemoryOnFail.Name),
		WorkerMode:        ctx.Bool(flags.Worker.Name),
		Log:               logger,
	}, nil
}
