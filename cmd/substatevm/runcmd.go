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
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/substatevm/substatevm/core/executor"
	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/core/types"
	"github.com/urfave/cli/v2"
)

var (
	runCommand = &cli.Command{
		Action:    runTransactions,
		Name:      "run",
		Usage:     "Execute and commit transactions",
		ArgsUsage: "<tx.toml> [<tx.toml>...]",
		Description: `
The run command executes the given transaction files in order. Each
transaction commits its changes before the next one starts. A failed
transaction commits its fee payments only, a rejected one nothing.`,
	}
	previewCommand = &cli.Command{
		Action:    previewTransactions,
		Name:      "preview",
		Usage:     "Execute transactions without committing them",
		ArgsUsage: "<tx.toml> [<tx.toml>...]",
		Description: `
The preview command executes the given transaction files concurrently
against the current state. Nothing is committed.`,
	}
	blueprintsCommand = &cli.Command{
		Action: listBlueprints,
		Name:   "blueprints",
		Usage:  "List the native blueprints",
	}
)

func loadTransactions(ctx *cli.Context, cfg *substatevmConfig) ([]*types.Transaction, error) {
	if ctx.NArg() == 0 {
		return nil, errors.New("no transaction files given")
	}
	txs := make([]*types.Transaction, 0, ctx.NArg())
	for _, file := range ctx.Args().Slice() {
		tx, err := loadTransaction(file, cfg.Execution.CostUnitLimit)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func runTransactions(ctx *cli.Context) error {
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	txs, err := loadTransactions(ctx, &cfg)
	if err != nil {
		return err
	}
	db, err := openDatabase(&cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	// Stop between transactions on interrupt.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	exec := executor.New(db.Database, system.NewDefaultRegistry(), cfg.executorConfig())
	for i, tx := range txs {
		select {
		case <-sigc:
			log.Warn("Interrupted, skipping remaining transactions", "remaining", len(txs)-i)
			return errors.New("interrupted")
		default:
		}
		receipt, err := exec.Execute(ctx.Context, tx)
		if err != nil {
			return err
		}
		printReceipt(ctx.App.Writer, ctx.Args().Get(i), receipt)
	}
	log.Info("Executed transactions", "count", len(txs), "version", db.Version())
	return nil
}

func previewTransactions(ctx *cli.Context) error {
	cfg, err := loadBaseConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	txs, err := loadTransactions(ctx, &cfg)
	if err != nil {
		return err
	}
	db, err := openDatabase(&cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	exec := executor.New(db.Database, system.NewDefaultRegistry(), cfg.executorConfig())
	receipts, err := exec.Preview(ctx.Context, txs)
	if err != nil {
		return err
	}
	for i, receipt := range receipts {
		printReceipt(ctx.App.Writer, ctx.Args().Get(i), receipt)
	}
	return nil
}

func listBlueprints(ctx *cli.Context) error {
	registry := system.NewDefaultRegistry()
	for _, name := range registry.Names() {
		bp, _ := registry.Lookup(name)
		fmt.Fprintf(ctx.App.Writer, "%s\n", name)
		for _, fn := range slices.Sorted(maps.Keys(bp.Functions)) {
			fmt.Fprintf(ctx.App.Writer, "  fn %s\n", fn)
		}
		for _, m := range slices.Sorted(maps.Keys(bp.Methods)) {
			fmt.Fprintf(ctx.App.Writer, "  method %s\n", m)
		}
	}
	return nil
}

func printReceipt(w io.Writer, file string, r *executor.Receipt) {
	fmt.Fprintf(w, "%s: transaction %s %s\n", file, r.TxHash.Hex(), r.Status)
	if r.Fees != nil {
		fmt.Fprintf(w, "  cost units: execution=%d finalization=%d", r.Fees.ExecutionCostUnits, r.Fees.FinalizationCostUnits)
		if r.Fees.TotalCost != nil && !r.Fees.TotalCost.IsZero() {
			fmt.Fprintf(w, " cost=%s locked=%s", r.Fees.TotalCost.Dec(), r.Fees.Locked.Dec())
		}
		fmt.Fprintln(w)
	}
	for i, out := range r.Outputs {
		fmt.Fprintf(w, "  output %d: %s\n", i, hexutil.Encode(out))
	}
	for _, id := range r.NewNodes {
		fmt.Fprintf(w, "  new node: %#x (%s)\n", id[:], id.EntityType())
	}
	if len(r.Deltas) > 0 {
		fmt.Fprintf(w, "  deltas: %d state: %s\n", len(r.Deltas), r.StateHash.Hex())
	}
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
	for _, ev := range r.Events {
		fmt.Fprintf(w, "  | %s\n", ev)
	}
}
