// Copyright 2025 The substatevm Authors
// This file is part of the substatevm library.
//
// The substatevm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The substatevm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the substatevm library. If not, see <http://www.gnu.org/licenses/>.

// Package executor runs transactions against a substate database: every
// transaction gets a fresh heap, track, id allocator and kernel, and its
// outcome decides which of its state changes are committed.
// Package executor 针对子状态数据库执行交易，每个交易使用独立的堆、Track、
// Id 分配器和内核，并根据结果决定提交哪些状态变更。
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/metrics"
	"github.com/substatevm/substatevm/substatedb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	executedCounter = metrics.NewRegisteredCounter("executor/tx/success", "Transactions committed in full")
	failedCounter   = metrics.NewRegisteredCounter("executor/tx/failed", "Transactions that committed force writes only")
	rejectedCounter = metrics.NewRegisteredCounter("executor/tx/rejected", "Transactions that committed nothing")
	executionTimer  = metrics.NewRegisteredTimer("executor/tx/time", "Time spent executing a transaction")
	previewTimer    = metrics.NewRegisteredTimer("executor/preview/time", "Time spent previewing a batch")
)

// Config are the execution settings.
type Config struct {
	Costing        *system.CostingParams
	Limits         system.Limits
	Trace          bool // Record tracing events in receipts
	PreviewWorkers int  // Maximum concurrent previews, 0 for GOMAXPROCS
}

// Executor executes and commits transactions one at a time. Previews may
// run concurrently with each other.
type Executor struct {
	db       *substatedb.Database
	registry *system.Registry
	config   Config

	mu     sync.RWMutex // held for writing while committing
	tracer trace.Tracer
	log    log.Logger
}

// New creates an executor on db running the given blueprints.
func New(db *substatedb.Database, registry *system.Registry, config *Config) *Executor {
	if config == nil {
		config = new(Config)
	}
	conf := *config
	if conf.Limits == (system.Limits{}) {
		conf.Limits = system.DefaultLimits
	}
	if conf.PreviewWorkers <= 0 {
		conf.PreviewWorkers = runtime.GOMAXPROCS(0)
	}
	return &Executor{
		db:       db,
		registry: registry,
		config:   conf,
		tracer:   otel.Tracer("substatevm/executor"),
		log:      log.New("module", "executor"),
	}
}

// Execute runs tx and commits its outcome. The returned error reports a
// database failure; transaction failures are reported in the receipt.
func (e *Executor) Execute(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, result := e.apply(ctx, tx)
	if result == nil || result.Empty() {
		return receipt, nil
	}
	if err := e.db.Commit(result.ToDatabaseUpdates()); err != nil {
		return nil, fmt.Errorf("commit transaction %v: %w", tx.Hash(), err)
	}
	return receipt, nil
}

// Preview executes txs against the current state without committing
// anything. Each transaction sees the state as it is before the batch.
func (e *Executor) Preview(ctx context.Context, txs []*types.Transaction) ([]*Receipt, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		start    = time.Now()
		batch    = uuid.New()
		receipts = make([]*Receipt, len(txs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PreviewWorkers)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			receipts[i], _ = e.apply(gctx, tx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	previewTimer.UpdateSince(start)
	e.log.Debug("Previewed transactions", "batch", batch, "count", len(txs), "elapsed", time.Since(start))
	return receipts, nil
}

// apply executes tx on a fresh overlay of the database and returns its
// receipt and the changes to commit, nil when nothing may be committed.
func (e *Executor) apply(ctx context.Context, tx *types.Transaction) (receipt *Receipt, result *state.TrackedSubstates) {
	start := time.Now()
	hash := tx.Hash()
	_, span := e.tracer.Start(ctx, "executor.apply", trace.WithAttributes(
		attribute.String("tx.hash", hash.Hex()),
		attribute.Int("tx.calls", len(tx.Calls)),
	))
	defer span.End()

	receipt = &Receipt{TxHash: hash}
	var recorder *tracing.Recorder
	hooks := new(tracing.Hooks)
	if e.config.Trace {
		recorder = tracing.NewRecorder(e.config.Limits.MaxEvents)
		hooks = recorder.Hooks()
	}
	if hooks.OnTxStart != nil {
		hooks.OnTxStart(hash)
	}
	defer func() {
		if hooks.OnTxEnd != nil {
			hooks.OnTxEnd(receipt.Err)
		}
		if recorder != nil {
			receipt.Events = recorder.Events()
		}
		if result != nil {
			receipt.NewNodes = result.NewNodes()
			receipt.Deltas = result.Deltas()
			receipt.StateHash = result.Hash()
		}
		e.report(receipt, span, start)
	}()

	if err := tx.Validate(); err != nil {
		receipt.Status, receipt.Err = StatusRejected, err
		return receipt, nil
	}
	sys := system.New(e.registry, &system.Config{
		Costing:       e.config.Costing,
		Limits:        e.config.Limits,
		CostUnitLimit: tx.CostUnitLimit,
		Tracer:        hooks,
	})
	defer func() { receipt.Fees = sys.Fees().Summary() }()

	track := state.NewTrack(e.db)
	defer func() {
		if result == nil {
			track.Discard()
		}
	}()
	k := kernel.New(state.NewHeap(), track, kernel.NewIdAllocator(hash), sys, kernel.Config{
		MaxCallDepth: e.config.Limits.MaxCallDepth,
		Tracer:       hooks,
	})
	root, err := system.RootInvocation(tx)
	if err != nil {
		receipt.Status, receipt.Err = StatusRejected, err
		return receipt, nil
	}
	output, err := k.Run(root)
	if err == nil {
		err = e.decodeOutput(receipt, output)
	}
	if err == nil {
		if receipt.Commits, err = track.GetCommitInfo(); err == nil {
			err = sys.ChargeCommit(receipt.Commits)
		}
	}
	if err != nil {
		// Fees locked before the failure still pay for it, provided they
		// cover the loan.
		receipt.Err = err
		receipt.Output, receipt.Outputs = nil, nil
		if rerr := sys.Fees().RepayAll(); rerr != nil {
			receipt.Status, receipt.Err = StatusRejected, errors.Join(err, rerr)
			return receipt, nil
		}
		receipt.Status = StatusFailed
		track.RevertNonForceWriteChanges()
		if receipt.Commits, err = track.GetCommitInfo(); err != nil {
			receipt.Status, receipt.Err = StatusRejected, errors.Join(receipt.Err, err)
			return receipt, nil
		}
	}
	result, err = track.Finalize()
	if err != nil {
		receipt.Status, receipt.Err = StatusRejected, errors.Join(receipt.Err, err)
		receipt.Commits = nil
		return receipt, nil
	}
	return receipt, result
}

func (e *Executor) decodeOutput(receipt *Receipt, output *types.IndexedValue) error {
	out := new(system.ManifestOutput)
	if err := output.DecodePayload(out); err != nil {
		return fmt.Errorf("decode transaction output: %w", err)
	}
	receipt.Output, receipt.Outputs = output, out.Outputs
	return nil
}

func (e *Executor) report(receipt *Receipt, span trace.Span, start time.Time) {
	executionTimer.UpdateSince(start)
	span.SetAttributes(attribute.String("tx.status", receipt.Status.String()))
	if receipt.Fees != nil {
		span.SetAttributes(attribute.Int64("tx.costunits", int64(receipt.Fees.ExecutionCostUnits+receipt.Fees.FinalizationCostUnits)))
	}
	switch receipt.Status {
	case StatusSuccess:
		executedCounter.Inc()
		span.SetStatus(codes.Ok, "committed")
		e.log.Debug("Executed transaction", "hash", receipt.TxHash, "deltas", len(receipt.Deltas), "elapsed", time.Since(start))
	case StatusFailed:
		failedCounter.Inc()
		span.RecordError(receipt.Err)
		span.SetStatus(codes.Error, receipt.Err.Error())
		e.log.Warn("Transaction failed", "hash", receipt.TxHash, "err", receipt.Err)
	case StatusRejected:
		rejectedCounter.Inc()
		span.RecordError(receipt.Err)
		span.SetStatus(codes.Error, receipt.Err.Error())
		e.log.Warn("Transaction rejected", "hash", receipt.TxHash, "err", receipt.Err)
	}
}
