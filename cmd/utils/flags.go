// Copyright 2015 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

// Package utils contains internal helper functions for substatevm commands.
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/internal/flags"
	"github.com/substatevm/substatevm/kvdb"
	"github.com/substatevm/substatevm/kvdb/boltdb"
	"github.com/substatevm/substatevm/kvdb/leveldb"
	"github.com/substatevm/substatevm/kvdb/memorydb"
	"github.com/substatevm/substatevm/kvdb/pebble"
	"github.com/substatevm/substatevm/metrics"
	"github.com/urfave/cli/v2"
)

// Supported database engines.
const (
	EngineLevelDB = "leveldb"
	EnginePebble  = "pebble"
	EngineBoltDB  = "boltdb"
	EngineMemory  = "memory"
)

// EnvPrefix is the prefix of the environment variables backing flags.
const EnvPrefix = "SUBSTATEVM"

// DefaultDataDir is the default data directory to use for the databases.
func DefaultDataDir() string {
	if home := flags.HomeDir(); home != "" {
		return filepath.Join(home, ".substatevm")
	}
	return ""
}

var (
	// General settings
	DataDirFlag = &flags.DirectoryFlag{
		Name:     "datadir",
		Usage:    "Data directory for the substate database",
		Value:    flags.DirectoryString(DefaultDataDir()),
		Category: flags.DatabaseCategory,
	}
	DBEngineFlag = &cli.StringFlag{
		Name:     "db.engine",
		Usage:    "Backing database implementation to use ('leveldb', 'pebble', 'boltdb' or 'memory')",
		Value:    EnginePebble,
		Category: flags.DatabaseCategory,
	}

	// Performance tuning settings
	CacheFlag = &cli.IntFlag{
		Name:     "cache",
		Usage:    "Megabytes of memory allocated to the database backend",
		Value:    512,
		Category: flags.PerfCategory,
	}
	CacheCleanFlag = &cli.IntFlag{
		Name:     "cache.clean",
		Usage:    "Megabytes of memory allocated to caching clean substates",
		Value:    16,
		Category: flags.PerfCategory,
	}
	HandlesFlag = &cli.IntFlag{
		Name:     "handles",
		Usage:    "Number of open file handles the database backend may use",
		Value:    256,
		Category: flags.PerfCategory,
	}

	// Execution settings
	CostUnitPriceFlag = &flags.Uint256Flag{
		Name:     "costunit.price",
		Usage:    "Price of one cost unit in the fee resource; a non-zero price requires transactions to lock fees",
		Category: flags.ExecutionCategory,
	}
	CostUnitLimitFlag = &cli.Uint64Flag{
		Name:     "costunit.limit",
		Usage:    "Cost unit limit applied to transactions that do not set one",
		Value:    system.DefaultCostUnitLimit,
		Category: flags.ExecutionCategory,
	}
	MaxCallDepthFlag = &cli.IntFlag{
		Name:     "exec.maxdepth",
		Usage:    "Maximum invocation depth",
		Value:    system.DefaultLimits.MaxCallDepth,
		Category: flags.ExecutionCategory,
	}
	TraceFlag = &cli.BoolFlag{
		Name:     "exec.trace",
		Usage:    "Record kernel events in receipts",
		Category: flags.ExecutionCategory,
	}
	PreviewWorkersFlag = &cli.IntFlag{
		Name:     "preview.workers",
		Usage:    "Maximum number of transactions previewed concurrently (0 = GOMAXPROCS)",
		Category: flags.ExecutionCategory,
	}

	// Metrics flags
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	// MetricsHTTPFlag defines the endpoint for a stand-alone metrics HTTP endpoint.
	// Since the pprof service enables sensitive/vulnerable behavior, this allows a user
	// to enable a public-OK metrics endpoint without having to worry about ALSO exposing
	// other profiling behavior or information.
	MetricsHTTPFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    `Enable stand-alone metrics HTTP server listening interface.`,
		Category: flags.MetricsCategory,
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    `Metrics HTTP server listening port.`,
		Value:    metrics.DefaultConfig.Port,
		Category: flags.MetricsCategory,
	}
)

var (
	// DatabaseFlags is the flag group of all database flags.
	DatabaseFlags = []cli.Flag{
		DataDirFlag,
		DBEngineFlag,
		CacheFlag,
		CacheCleanFlag,
		HandlesFlag,
	}
	// ExecutionFlags is the flag group of all execution flags.
	ExecutionFlags = []cli.Flag{
		CostUnitPriceFlag,
		CostUnitLimitFlag,
		MaxCallDepthFlag,
		TraceFlag,
		PreviewWorkersFlag,
	}
	// MetricsFlags is the flag group of all metrics flags.
	MetricsFlags = []cli.Flag{
		MetricsEnabledFlag,
		MetricsHTTPFlag,
		MetricsPortFlag,
	}
)

// OpenKeyValueStore opens the backend selected by engine inside dir. The
// memory engine ignores dir.
// OpenKeyValueStore 打开 dir 中由 engine 指定的后端数据库。
func OpenKeyValueStore(engine, dir string, cache, handles int, readonly bool) (kvdb.KeyValueStore, error) {
	switch strings.ToLower(engine) {
	case EngineMemory:
		return memorydb.New(), nil
	case EngineLevelDB:
		return leveldb.New(filepath.Join(dir, "substates"), cache, handles, "substatevm/db/substates/", readonly)
	case EnginePebble:
		return pebble.New(filepath.Join(dir, "substates"), cache, handles, "substatevm/db/substates/", readonly)
	case EngineBoltDB:
		if !readonly {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, err
			}
		}
		return boltdb.New(filepath.Join(dir, "substates.bolt"), readonly)
	}
	return nil, fmt.Errorf("unknown database engine %q", engine)
}

// Fatalf formats a message to standard error and exits the program.
// The message is also printed to standard output if standard error
// is redirected to a different file.
func Fatalf(format string, args ...interface{}) {
	w := io.MultiWriter(os.Stdout, os.Stderr)
	outf, _ := os.Stdout.Stat()
	errf, _ := os.Stderr.Stat()
	if outf != nil && errf != nil && os.SameFile(outf, errf) {
		w = os.Stderr
	}
	fmt.Fprintf(w, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}
