// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package debug

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/substatevm/substatevm/internal/flags"
	"github.com/substatevm/substatevm/metrics"
	"github.com/substatevm/substatevm/metrics/exp"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	logVmoduleFlag = &cli.StringFlag{
		Name:     "log.vmodule",
		Usage:    "Per-module verbosity: comma-separated list of <pattern>=<level> (e.g. core/kernel/*=5,substatedb=4)",
		Value:    "",
		Category: flags.LoggingCategory,
	}
	logFormatFlag = &cli.StringFlag{
		Name:     "log.format",
		Usage:    "Log format to use (json|logfmt|terminal)",
		Category: flags.LoggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file",
		Category: flags.LoggingCategory,
	}
	logRotateFlag = &cli.BoolFlag{
		Name:     "log.rotate",
		Usage:    "Enables log file rotation",
		Category: flags.LoggingCategory,
	}
	logMaxSizeMBsFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "Maximum size in MBs of a single log file",
		Value:    100,
		Category: flags.LoggingCategory,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:     "log.maxbackups",
		Usage:    "Maximum number of log files to retain",
		Value:    10,
		Category: flags.LoggingCategory,
	}
	logMaxAgeFlag = &cli.IntFlag{
		Name:     "log.maxage",
		Usage:    "Maximum number of days to retain a log file",
		Value:    30,
		Category: flags.LoggingCategory,
	}
	logCompressFlag = &cli.BoolFlag{
		Name:     "log.compress",
		Usage:    "Compress the log files",
		Value:    false,
		Category: flags.LoggingCategory,
	}
	pprofFlag = &cli.BoolFlag{
		Name:     "pprof",
		Usage:    "Enable the pprof HTTP server",
		Category: flags.LoggingCategory,
	}
	pprofPortFlag = &cli.IntFlag{
		Name:     "pprof.port",
		Usage:    "pprof HTTP server listening port",
		Value:    6060,
		Category: flags.LoggingCategory,
	}
	pprofAddrFlag = &cli.StringFlag{
		Name:     "pprof.addr",
		Usage:    "pprof HTTP server listening interface",
		Value:    "127.0.0.1",
		Category: flags.LoggingCategory,
	}
	memprofilerateFlag = &cli.IntFlag{
		Name:     "pprof.memprofilerate",
		Usage:    "Turn on memory profiling with the given rate",
		Value:    runtime.MemProfileRate,
		Category: flags.LoggingCategory,
	}
	memprofileFlag = &cli.StringFlag{
		Name:     "pprof.memprofile",
		Usage:    "Write an allocation profile to the given file on exit",
		Category: flags.LoggingCategory,
	}
	blockprofilerateFlag = &cli.IntFlag{
		Name:     "pprof.blockprofilerate",
		Usage:    "Turn on block profiling with the given rate",
		Category: flags.LoggingCategory,
	}
	cpuprofileFlag = &cli.StringFlag{
		Name:     "pprof.cpuprofile",
		Usage:    "Write CPU profile to the given file",
		Category: flags.LoggingCategory,
	}
	traceFlag = &cli.StringFlag{
		Name:     "go-execution-trace",
		Usage:    "Write Go execution trace to the given file",
		Category: flags.LoggingCategory,
	}
)

// Flags holds all command-line flags required for debugging.
// Flags 包含所有用于调试的命令行标志。
var Flags = []cli.Flag{
	verbosityFlag,
	logVmoduleFlag,
	logFormatFlag,
	logFileFlag,
	logRotateFlag,
	logMaxSizeMBsFlag,
	logMaxBackupsFlag,
	logMaxAgeFlag,
	logCompressFlag,
	pprofFlag,
	pprofAddrFlag,
	pprofPortFlag,
	memprofilerateFlag,
	memprofileFlag,
	blockprofilerateFlag,
	cpuprofileFlag,
	traceFlag,
}

var (
	glogger       *log.GlogHandler
	logOutputFile io.WriteCloser
)

func init() {
	glogger = log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, false))
}

// Setup configures logging and profiling from the command line. It runs
// before any command so that every later log line uses the chosen handler.
// Setup 根据命令行配置日志和性能分析，在所有命令之前运行。
func Setup(ctx *cli.Context) error {
	format := ctx.String(logFormatFlag.Name)
	fileOutput, location, err := openLogFile(ctx)
	if err != nil {
		return err
	}
	handler, err := newLogHandler(format, fileOutput)
	if err != nil {
		return err
	}
	glogger = log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	if err := glogger.Vmodule(ctx.String(logVmoduleFlag.Name)); err != nil {
		return fmt.Errorf("invalid --%s: %v", logVmoduleFlag.Name, err)
	}
	log.SetDefault(log.NewLogger(glogger))
	if location != "" {
		if format == "" {
			format = "terminal"
		}
		log.Info("Logging configured", "location", location, "format", format, "rotate", ctx.Bool(logRotateFlag.Name))
	}

	if err := setupProfiling(ctx); err != nil {
		return err
	}
	if ctx.Bool(pprofFlag.Name) {
		address := net.JoinHostPort(ctx.String(pprofAddrFlag.Name), fmt.Sprintf("%d", ctx.Int(pprofPortFlag.Name)))
		// "metrics.addr" is cmd/utils.MetricsHTTPFlag, which would be an import cycle.
		StartPProf(address, !ctx.IsSet("metrics.addr"))
	}
	return nil
}

// openLogFile opens the log file, or a rotating writer when rotation is
// on, and returns it with its location. Both are empty when logs only go
// to the terminal.
func openLogFile(ctx *cli.Context) (io.WriteCloser, string, error) {
	file := ctx.String(logFileFlag.Name)
	if file != "" {
		if err := validateLogLocation(filepath.Dir(file)); err != nil {
			return nil, "", fmt.Errorf("failed to initialize file logger: %v", err)
		}
	}
	if ctx.Bool(logRotateFlag.Name) {
		location := file
		if location == "" {
			// lumberjack's own default for an empty name
			location = filepath.Join(os.TempDir(), "substatevm-lumberjack.log")
		}
		logOutputFile = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    ctx.Int(logMaxSizeMBsFlag.Name),
			MaxBackups: ctx.Int(logMaxBackupsFlag.Name),
			MaxAge:     ctx.Int(logMaxAgeFlag.Name),
			Compress:   ctx.Bool(logCompressFlag.Name),
		}
		return logOutputFile, location, nil
	}
	if file == "" {
		return nil, "", nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, "", err
	}
	logOutputFile = f
	return f, file, nil
}

// newLogHandler builds the handler for format writing to stderr and, when
// set, to file. Only the terminal format colours its output, and only on
// a terminal.
func newLogHandler(format string, file io.Writer) (slog.Handler, error) {
	var terminal io.Writer = os.Stderr
	useColor := false
	if format == "" || format == "terminal" {
		fd := os.Stderr.Fd()
		useColor = (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("TERM") != "dumb"
		if useColor {
			terminal = colorable.NewColorableStderr()
		}
	}
	output := terminal
	if file != nil {
		output = io.MultiWriter(file, terminal)
	}
	switch format {
	case "json":
		return log.JSONHandler(output), nil
	case "logfmt":
		return log.LogfmtHandler(output), nil
	case "", "terminal":
		return log.NewTerminalHandler(output, useColor), nil
	}
	return nil, fmt.Errorf("unknown log format: %v", format)
}

func setupProfiling(ctx *cli.Context) error {
	runtime.MemProfileRate = memprofilerateFlag.Value
	if ctx.IsSet(memprofilerateFlag.Name) {
		runtime.MemProfileRate = ctx.Int(memprofilerateFlag.Name)
	}
	Handler.SetBlockProfileRate(ctx.Int(blockprofilerateFlag.Name))
	Handler.memFile = ctx.String(memprofileFlag.Name)

	if file := ctx.String(traceFlag.Name); file != "" {
		if err := Handler.StartGoTrace(file); err != nil {
			return err
		}
	}
	if file := ctx.String(cpuprofileFlag.Name); file != "" {
		return Handler.StartCPUProfile(file)
	}
	return nil
}

// StartPProf starts the pprof HTTP server, serving the metrics registry
// next to it when withMetrics is set.
// StartPProf 启动 pprof HTTP 服务器，withMetrics 为真时同时提供指标。
func StartPProf(address string, withMetrics bool) {
	if withMetrics {
		exp.Exp(metrics.DefaultRegistry)
	}
	log.Info("Starting pprof server", "addr", fmt.Sprintf("http://%s/debug/pprof", address))
	go func() {
		if err := http.ListenAndServe(address, nil); err != nil {
			log.Error("Failure in running pprof server", "err", err)
		}
	}()
}

// Exit stops all running profiles, flushing their output to the respective file.
// Exit 停止所有正在运行的性能分析，并将其输出刷新到各自的文件。
func Exit() {
	Handler.StopCPUProfile()
	Handler.StopGoTrace()
	if Handler.memFile != "" {
		if err := Handler.WriteMemProfile(Handler.memFile); err != nil {
			log.Error("Failed to write memory profile", "err", err)
		}
	}
	if logOutputFile != nil {
		logOutputFile.Close()
	}
}

// validateLogLocation creates the log directory if needed and checks that
// it is writable.
func validateLogLocation(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("error creating the directory: %w", err)
	}
	f, err := os.CreateTemp(path, "substatevm-log-check")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
