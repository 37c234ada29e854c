// Package orchestrator runs one pipeline cycle over the whole inventory.
//
// A cycle loads the table, fans the entities out to a bounded worker pool,
// and lets the driver take each entity's single next action. Workers hold the
// entity's record lock for the whole read-decide-act-write sequence, so two
// workers never interleave on one entity. An optional rate limiter caps
// scheduler probes across all workers.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/driver"
	"github.com/latticeworks/propagator/pkg/inventory"
)

// Config configures cycle behavior.
type Config struct {
	// Concurrency is the number of parallel entity workers.
	// Default: 4
	Concurrency int

	// RateLimit is the maximum entity steps per second across all
	// workers, protecting the scheduler frontend from probe bursts.
	// Zero means unlimited.
	RateLimit float64
}

// DefaultConfig returns the default cycle configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		RateLimit:   0,
	}
}

// Summary contains aggregate statistics from one completed cycle.
type Summary struct {
	// Entities is the number of inventory rows visited.
	Entities int64

	// Submitted, Polled, Retried, Advanced, and Abandoned count the
	// actions taken.
	Submitted int64
	Polled    int64
	Retried   int64
	Advanced  int64
	Abandoned int64

	// Errors is the count of per-entity errors. These do not stop the
	// cycle; storage-level failures do.
	Errors int64

	// Duration is the wall time of the cycle.
	Duration time.Duration
}

// Recorder receives one ledger entry per action taken. cyclelog.Log
// implements it; a nil Recorder disables the ledger.
type Recorder interface {
	Record(ctx context.Context, t cyclelog.Transition) error
}

// Orchestrator executes pipeline cycles.
//
// Orchestrator is safe for single use only. Create a new one per cycle.
type Orchestrator struct {
	store  *inventory.Store
	driver *driver.Driver
	ledger Recorder
	logger *zap.Logger
	config Config

	// cycleID correlates this cycle's log lines and ledger entries.
	cycleID string

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter

	// Atomic counters for stats
	entities  atomic.Int64
	submitted atomic.Int64
	polled    atomic.Int64
	retried   atomic.Int64
	advanced  atomic.Int64
	abandoned atomic.Int64
	errCount  atomic.Int64

	// fatal holds the first storage-level failure; it aborts the cycle.
	fatalOnce sync.Once
	fatal     error
}

// New creates an orchestrator over the given store and driver.
func New(store *inventory.Store, drv *driver.Driver, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}

	o := &Orchestrator{
		store:   store,
		driver:  drv,
		logger:  zap.NewNop(),
		config:  cfg,
		cycleID: uuid.New().String(),
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return o
}

// WithLedger sets the transition recorder. Returns the orchestrator for
// method chaining.
func (o *Orchestrator) WithLedger(r Recorder) *Orchestrator {
	o.ledger = r
	return o
}

// WithLogger sets the logger. Returns the orchestrator for method chaining.
func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// Run executes one cycle over every entity and returns summary statistics.
//
// Per-entity errors are counted and logged but do not stop the cycle. A
// storage-level failure (corrupt or unwritable table) aborts the cycle:
// nothing is safe to continue once the shared table's integrity is in doubt.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	records, err := o.store.Load()
	if err != nil {
		return nil, err
	}

	o.logger.Info("cycle starting",
		zap.String("cycle_id", o.cycleID),
		zap.Int("entities", len(records)),
		zap.Int("concurrency", o.config.Concurrency))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ids := make(chan string, len(records))
	for i := range records {
		ids <- records[i].ID
	}
	close(ids)

	var wg sync.WaitGroup
	for w := 0; w < o.config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if ctx.Err() != nil {
					return
				}
				o.stepEntity(ctx, cancel, id)
			}
		}()
	}
	wg.Wait()

	if o.fatal != nil {
		return nil, o.fatal
	}
	if err := ctx.Err(); err != nil {
		return o.buildSummary(time.Since(start)), err
	}
	return o.buildSummary(time.Since(start)), nil
}

// stepEntity runs the driver for one entity under its record lock.
func (o *Orchestrator) stepEntity(ctx context.Context, cancel context.CancelFunc, id string) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return
		}
	}

	unlock := o.store.LockRecord(id)
	defer unlock()

	rec, err := o.store.Get(id)
	if err != nil {
		if inventory.IsNotFound(err) {
			// Removed between Load and Get; nothing to do.
			return
		}
		o.abort(cancel, err)
		return
	}

	o.entities.Add(1)

	action, stepErr := o.driver.Step(ctx, &rec)
	if stepErr != nil {
		o.errCount.Add(1)
		o.logger.Warn("entity step failed",
			zap.String("entity_id", id),
			zap.String("composition", rec.Composition),
			zap.Error(stepErr))
	}

	if action == driver.ActionNone && stepErr == nil {
		return
	}

	if err := o.store.Upsert(&rec); err != nil {
		o.abort(cancel, err)
		return
	}
	o.count(action)

	if o.ledger != nil && action != driver.ActionNone {
		t := cyclelog.Transition{
			EntityID:   rec.ID,
			CycleID:    o.cycleID,
			Stage:      rec.Stage,
			Status:     rec.ActiveStatus(),
			RefineStep: rec.RefineStep,
			Action:     string(action),
		}
		if rec.Stage == inventory.StageAbandoned {
			t.Detail = rec.AbandonReason
		}
		if err := o.ledger.Record(ctx, t); err != nil {
			// The ledger is advisory; a write failure never stops the cycle.
			o.logger.Warn("ledger write failed", zap.String("entity_id", id), zap.Error(err))
		}
	}

	o.logger.Debug("entity stepped",
		zap.String("entity_id", id),
		zap.String("action", string(action)),
		zap.String("stage", string(rec.Stage)),
		zap.String("status", string(rec.ActiveStatus())))
}

// abort records the first storage-level failure and cancels the cycle.
func (o *Orchestrator) abort(cancel context.CancelFunc, err error) {
	o.fatalOnce.Do(func() {
		o.fatal = err
		cancel()
	})
}

func (o *Orchestrator) count(action driver.Action) {
	switch action {
	case driver.ActionSubmit:
		o.submitted.Add(1)
	case driver.ActionPoll:
		o.polled.Add(1)
	case driver.ActionRetry:
		o.retried.Add(1)
	case driver.ActionAdvance:
		o.advanced.Add(1)
	case driver.ActionAbandon:
		o.abandoned.Add(1)
	}
}

// buildSummary creates a Summary from the atomic counters.
func (o *Orchestrator) buildSummary(duration time.Duration) *Summary {
	return &Summary{
		Entities:  o.entities.Load(),
		Submitted: o.submitted.Load(),
		Polled:    o.polled.Load(),
		Retried:   o.retried.Load(),
		Advanced:  o.advanced.Load(),
		Abandoned: o.abandoned.Load(),
		Errors:    o.errCount.Load(),
		Duration:  duration,
	}
}

// Idle reports whether a summary shows a cycle with nothing left to do:
// every entity terminal and no actions taken.
func (s *Summary) Idle() bool {
	return s.Submitted+s.Polled+s.Retried+s.Advanced+s.Abandoned+s.Errors == 0
}
