// Copyright 2014 The go-ethereum Authors
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


package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/holiman/uint256"
	"github.com/naoina/toml"
	"github.com/substatevm/substatevm/cmd/utils"
	"github.com/substatevm/substatevm/core/executor"
	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/internal/flags"
	"github.com/substatevm/substatevm/metrics"
	"github.com/substatevm/substatevm/substatedb"
	"github.com/urfave/cli/v2"
)

var (
	dumpConfigCommand = &cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Export configuration values in a TOML format",
		ArgsUsage:   "<dumpfile (optional)>",
		Description: `Export configuration values in TOML format (to stdout by default).`,
	}

	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.MiscCategory,
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type databaseConfig struct {
	DataDir    string
	Engine     string
	Cache      int // backend cache in MB
	Handles    int
	CleanCache int // clean substate cache in MB
}

type executionConfig struct {
	CostUnitLimit  uint64 // default for transactions without a limit
	Trace          bool
	PreviewWorkers int
	Costing        system.CostingParams
	Limits         system.Limits
}

type substatevmConfig struct {
	Database  databaseConfig
	Execution executionConfig
	Metrics   metrics.Config
}

func defaultConfig() substatevmConfig {
	costing := system.DefaultCostingParams
	costing.CostUnitPrice = new(uint256.Int)
	return substatevmConfig{
		Database: databaseConfig{
			DataDir:    utils.DefaultDataDir(),
			Engine:     utils.DBEngineFlag.Value,
			Cache:      utils.CacheFlag.Value,
			Handles:    utils.HandlesFlag.Value,
			CleanCache: utils.CacheCleanFlag.Value,
		},
		Execution: executionConfig{
			CostUnitLimit: system.DefaultCostUnitLimit,
			Costing:       costing,
			Limits:        system.DefaultLimits,
		},
		Metrics: metrics.DefaultConfig,
	}
}

func loadConfig(file string, cfg *substatevmConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// loadBaseConfig loads the defaults, then the config file, then applies the
// command line flags on top.
func loadBaseConfig(ctx *cli.Context) (substatevmConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDatabaseFlags(ctx, &cfg.Database)
	applyExecutionFlags(ctx, &cfg.Execution)
	applyMetricsFlags(ctx, &cfg.Metrics)
	return cfg, nil
}

func applyDatabaseFlags(ctx *cli.Context, cfg *databaseConfig) {
	if ctx.IsSet(utils.DataDirFlag.Name) {
		cfg.DataDir = ctx.String(utils.DataDirFlag.Name)
	}
	if ctx.IsSet(utils.DBEngineFlag.Name) {
		cfg.Engine = ctx.String(utils.DBEngineFlag.Name)
	}
	if ctx.IsSet(utils.CacheFlag.Name) {
		cfg.Cache = ctx.Int(utils.CacheFlag.Name)
	}
	if ctx.IsSet(utils.HandlesFlag.Name) {
		cfg.Handles = ctx.Int(utils.HandlesFlag.Name)
	}
	if ctx.IsSet(utils.CacheCleanFlag.Name) {
		cfg.CleanCache = ctx.Int(utils.CacheCleanFlag.Name)
	}
}

func applyExecutionFlags(ctx *cli.Context, cfg *executionConfig) {
	if ctx.IsSet(utils.CostUnitPriceFlag.Name) {
		cfg.Costing.CostUnitPrice = flags.GlobalUint256(ctx, utils.CostUnitPriceFlag.Name)
	}
	if ctx.IsSet(utils.CostUnitLimitFlag.Name) {
		cfg.CostUnitLimit = ctx.Uint64(utils.CostUnitLimitFlag.Name)
	}
	if ctx.IsSet(utils.MaxCallDepthFlag.Name) {
		cfg.Limits.MaxCallDepth = ctx.Int(utils.MaxCallDepthFlag.Name)
	}
	if ctx.IsSet(utils.TraceFlag.Name) {
		cfg.Trace = ctx.Bool(utils.TraceFlag.Name)
	}
	if ctx.IsSet(utils.PreviewWorkersFlag.Name) {
		cfg.PreviewWorkers = ctx.Int(utils.PreviewWorkersFlag.Name)
	}
}

func applyMetricsFlags(ctx *cli.Context, cfg *metrics.Config) {
	if ctx.IsSet(utils.MetricsEnabledFlag.Name) {
		cfg.Enabled = ctx.Bool(utils.MetricsEnabledFlag.Name)
	}
	if ctx.IsSet(utils.MetricsHTTPFlag.Name) {
		cfg.HTTP = ctx.String(utils.MetricsHTTPFlag.Name)
	}
	if ctx.IsSet(utils.MetricsPortFlag.Name) {
		cfg.Port = ctx.Int(utils.MetricsPortFlag.Name)
	}
}

// validate rejects configurations the executor cannot run with.
func (cfg *substatevmConfig) validate() error {
	if cfg.Execution.Costing.CostUnitPrice == nil {
		cfg.Execution.Costing.CostUnitPrice = new(uint256.Int)
	}
	if cfg.Execution.Limits.MaxCallDepth <= 0 {
		return fmt.Errorf("invalid call depth limit %d", cfg.Execution.Limits.MaxCallDepth)
	}
	if cfg.Database.Engine != utils.EngineMemory && cfg.Database.DataDir == "" {
		return errors.New("no data directory for a persistent database engine")
	}
	return nil
}

func (cfg *substatevmConfig) executorConfig() *executor.Config {
	return &executor.Config{
		Costing:        &cfg.Execution.Costing,
		Limits:         cfg.Execution.Limits,
		Trace:          cfg.Execution.Trace,
		PreviewWorkers: cfg.Execution.PreviewWorkers,
	}
}

func (cfg *substatevmConfig) substatedbConfig() *substatedb.Config {
	return &substatedb.Config{CleanCacheSize: cfg.Database.CleanCache * 1024 * 1024}
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}

	if ctx.NArg() == 0 {
		_, err = ctx.App.Writer.Write(out)
		return err
	}
	return os.WriteFile(ctx.Args().Get(0), out, 0644)
}
