// Package observability provides shared zap loggers for the CLI, the
// scheduler server, and the worker agent.
//
// Loggers are initialized once at process start. Components grab the
// named logger for their surface instead of constructing their own, so
// log output stays consistent across commands.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by cobra commands. Writes to stderr so JSON
	// command output on stdout stays machine-parseable.
	CLILogger *zap.Logger = zap.NewNop()

	// ServerLogger is used by the scheduler HTTP server and its
	// background tickers.
	ServerLogger *zap.Logger = zap.NewNop()

	// WorkerLogger is used by the worker agent loop.
	WorkerLogger *zap.Logger = zap.NewNop()
)

// Init configures the process loggers.
//
// verbose enables debug-level output. Logs are written to stderr in
// console encoding for interactive use; set TASKMILL_LOG_JSON=1 for
// JSON encoding (e.g., when running under a supervisor).
func Init(verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if os.Getenv("TASKMILL_LOG_JSON") == "1" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	base := zap.New(core)

	CLILogger = base.Named("cli")
	ServerLogger = base.Named("server")
	WorkerLogger = base.Named("worker")
}

// Sync flushes buffered log entries. Called on process exit.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
	_ = WorkerLogger.Sync()
}
