package flags

import (
	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "OS_AUTOINST"

func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVar("CONFIG"),
		Usage:   "Path to an optional TOML config file; flags override its values",
	}
	CaseDir = &cli.StringFlag{
		Name:    "casedir",
		Value:   "",
		EnvVars: prefixEnvVar("CASEDIR"),
		Usage:   "Path to the canonical test source tree",
	}
	AssetDir = &cli.StringFlag{
		Name:    "assetdir",
		Value:   "",
		EnvVars: prefixEnvVar("ASSETDIR"),
		Usage:   "Path to the asset directory; <assetdir>/other overrides same-named test sources",
	}
	ResultDir = &cli.StringFlag{
		Name:    "resultdir",
		Value:   "testresults",
		EnvVars: prefixEnvVar("RESULTDIR"),
		Usage:   "Directory for the persisted schedule and per-unit results",
	}
	Schedule = &cli.StringFlag{
		Name:    "schedule",
		Value:   "",
		EnvVars: prefixEnvVar("SCHEDULE"),
		Usage:   "Path to a YAML schedule profile listing the test units to run",
	}
	LoadDir = &cli.StringFlag{
		Name:    "loaddir",
		Value:   "",
		EnvVars: prefixEnvVar("LOADDIR"),
		Usage:   "Directory below the case dir whose units are scheduled in lexical order",
	}
	BackendSocket = &cli.StringFlag{
		Name:    "backend-socket",
		Value:   "",
		EnvVars: prefixEnvVar("BACKEND_SOCKET"),
		Usage:   "Unix socket of the backend process; without it a stub backend answers (no snapshots)",
	}
	SkipTo = &cli.StringFlag{
		Name:    "skipto",
		Value:   "",
		EnvVars: prefixEnvVar("SKIPTO"),
		Usage:   "Fullname of the unit to resume at; earlier units are marked skipped",
	}
	TestDebug = &cli.BoolFlag{
		Name:    "test-debug",
		Value:   false,
		EnvVars: prefixEnvVar("TESTDEBUG"),
		Usage:   "Debug mode: resume from lastgood, checkpoint after every unit, fail hard on any error",
	}
	MakeTestSnapshots = &cli.BoolFlag{
		Name:    "make-test-snapshots",
		Value:   false,
		EnvVars: prefixEnvVar("MAKETESTSNAPSHOTS"),
		Usage:   "Save a checkpoint named after each unit before running it",
	}
	DumpMemoryOnFail = &cli.BoolFlag{
		Name:    "dump-memory-on-fail",
		Value:   false,
		EnvVars: prefixEnvVar("DUMP_MEMORY_ON_FAIL"),
		Usage:   "Ask the backend for a memory dump whenever a unit fails",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVar("LOG_LEVEL"),
		Usage:   "Lowest log level that will be output (trace|debug|info|warn|error|crit)",
	}
	// Worker switches the binary into its worker-process role. The
	// supervisor sets it when re-executing itself; it is not meant to be
	// used directly.
	Worker = &cli.BoolFlag{
		Name:   "worker",
		Value:  false,
		Hidden: true,
	}
)

var Flags = []cli.Flag{
	ConfigFile,
	CaseDir,
	AssetDir,
	ResultDir,
	Schedule,
	LoadDir,
	BackendSocket,
	SkipTo,
	TestDebug,
	MakeTestSnapshots,
	DumpMemoryOnFail,
	LogLevel,
	Worker,
}
