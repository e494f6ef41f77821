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


// substatevm is the command line interface of the substate execution kernel.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/substatevm/substatevm/cmd/utils"
	"github.com/substatevm/substatevm/internal/debug"
	"github.com/substatevm/substatevm/internal/flags"
	"github.com/substatevm/substatevm/metrics"
	"github.com/substatevm/substatevm/metrics/exp"
	"github.com/urfave/cli/v2"
)

var app = flags.NewApp("the substate execution kernel command line interface")

func init() {
	app.Commands = []*cli.Command{
		runCommand,
		previewCommand,
		dumpCommand,
		inspectCommand,
		blueprintsCommand,
		dumpConfigCommand,
	}
	app.Flags = flags.Merge(
		[]cli.Flag{configFileFlag},
		utils.DatabaseFlags,
		utils.ExecutionFlags,
		utils.MetricsFlags,
		debug.Flags,
	)
	flags.AutoEnvVars(app.Flags, utils.EnvPrefix)

	before := app.Before
	app.Before = func(ctx *cli.Context) error {
		if err := before(ctx); err != nil {
			return err
		}
		if err := debug.Setup(ctx); err != nil {
			return err
		}
		flags.CheckEnvVars(ctx, app.Flags, utils.EnvPrefix)
		return setupMetrics(ctx)
	}
	app.After = func(ctx *cli.Context) error {
		debug.Exit()
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupMetrics enables metrics collection and starts the stand-alone
// exporter when requested.
func setupMetrics(ctx *cli.Context) error {
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Metrics.Enabled {
		return nil
	}
	log.Info("Enabling metrics collection")
	metrics.Enable()
	if cfg.Metrics.HTTP != "" {
		address := net.JoinHostPort(cfg.Metrics.HTTP, strconv.Itoa(cfg.Metrics.Port))
		exp.Setup(address)
	}
	return nil
}
