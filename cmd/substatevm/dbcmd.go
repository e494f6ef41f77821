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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/substatevm/substatevm/cmd/utils"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/substatedb"
	"github.com/urfave/cli/v2"
)

var errDatadirUsed = errors.New("datadir already used by another process")

var (
	dumpCommand = &cli.Command{
		Action:    dumpDatabase,
		Name:      "dump",
		Usage:     "List the stored partitions and database statistics",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			statsFlag,
		},
	}
	inspectCommand = &cli.Command{
		Action:    inspectNode,
		Name:      "inspect",
		Usage:     "Print the stored substates of a node as JSON",
		ArgsUsage: "<node id>",
		Flags: []cli.Flag{
			noPayloadFlag,
			maxSubstatesFlag,
		},
		Description: `
The inspect command prints every stored partition of the given node. Sort
keys are printed raw since the store does not record their key kind.`,
	}

	statsFlag = &cli.BoolFlag{
		Name:  "stats",
		Usage: "Print the database backend statistics",
	}
	noPayloadFlag = &cli.BoolFlag{
		Name:  "nopayload",
		Usage: "Exclude substate payloads from the output",
	}
	maxSubstatesFlag = &cli.IntFlag{
		Name:  "max",
		Usage: "Maximum number of substates printed per partition (0 = all)",
	}
)

// database is a substate database together with the data directory lock
// guarding it.
type database struct {
	*substatedb.Database
	lock *flock.Flock
}

// openDatabase opens the configured database. Writers hold the data
// directory lock exclusively, readers share it.
func openDatabase(cfg *substatevmConfig, readonly bool) (*database, error) {
	conf := &cfg.Database
	db := new(database)
	if conf.Engine != utils.EngineMemory {
		if err := os.MkdirAll(conf.DataDir, 0700); err != nil {
			return nil, err
		}
		db.lock = flock.New(filepath.Join(conf.DataDir, "LOCK"))
		var (
			locked bool
			err    error
		)
		if readonly {
			locked, err = db.lock.TryRLock()
		} else {
			locked, err = db.lock.TryLock()
		}
		if err != nil {
			return nil, err
		} else if !locked {
			return nil, errDatadirUsed
		}
	}
	kv, err := utils.OpenKeyValueStore(conf.Engine, conf.DataDir, conf.Cache, conf.Handles, readonly)
	if err != nil {
		db.unlock()
		return nil, err
	}
	if db.Database, err = substatedb.New(kv, cfg.substatedbConfig()); err != nil {
		kv.Close()
		db.unlock()
		return nil, err
	}
	log.Debug("Opened database", "engine", conf.Engine, "datadir", conf.DataDir, "readonly", readonly)
	return db, nil
}

func (db *database) unlock() {
	if db.lock == nil {
		return
	}
	if err := db.lock.Unlock(); err != nil {
		log.Warn("Failed to release datadir lock", "err", err)
	}
}

// Close closes the database and releases the data directory lock.
func (db *database) Close() error {
	defer db.unlock()
	return db.Database.Close()
}

func dumpDatabase(ctx *cli.Context) error {
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(&cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	w := ctx.App.Writer
	fmt.Fprintf(w, "Version: %d\n", db.Version())
	var (
		partitions int
		entries    int
		size       int
	)
	err = db.ListPartitions(func(info substatedb.PartitionInfo) error {
		id, p, err := types.SplitPartitionKey(info.PartitionKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %-28s partition=%-3d entries=%-6d size=%d\n", id, id.EntityType(), p, info.Entries, info.Size)
		partitions++
		entries += info.Entries
		size += info.Size
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Total: partitions=%d entries=%d size=%d\n", partitions, entries, size)
	if ctx.Bool(statsFlag.Name) {
		showDBStats(ctx, db.Database)
	}
	return nil
}

func showDBStats(ctx *cli.Context, db *substatedb.Database) {
	stats, err := db.Stat()
	if err != nil {
		log.Warn("Failed to read database stats", "error", err)
		return
	}
	fmt.Fprintln(ctx.App.Writer, stats)
}

func inspectNode(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("expected a node id")
	}
	id, err := types.ParseNodeId(ctx.Args().First())
	if err != nil {
		return err
	}
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(&cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	dump, err := state.DumpNode(db, id, &state.DumpConfig{
		SkipPayload: ctx.Bool(noPayloadFlag.Name),
		Max:         ctx.Int(maxSubstatesFlag.Name),
	})
	if err != nil {
		return err
	}
	if len(dump.Partitions) == 0 {
		return fmt.Errorf("node %s not found", id)
	}
	fmt.Fprintln(ctx.App.Writer, string(dump.JSON()))
	return nil
}
