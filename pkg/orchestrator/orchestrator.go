package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/activities"
	"github.com/mouradhm/content-dbsync/pkg/config"
	"github.com/mouradhm/content-dbsync/pkg/limiter"
	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
	"github.com/mouradhm/content-dbsync/pkg/runner"
)

var log = logger.Get("Sync")

const cleanupTimeout = 30 * time.Second

type State string

const (
	StateValidating     State = "Validating"
	StateDirectTransfer State = "DirectTransfer"
	StateExportRestore  State = "ExportRestore"
	StateVerifying      State = "Verifying"
	StateCleaningUp     State = "CleaningUp"
	StateDone           State = "Done"
	StateFailed         State = "Failed"
)

// StrategyFactory builds a transfer strategy from a validated config.
type StrategyFactory func(cfg *config.Config) activities.Strategy

// CounterFactory builds the counter used for verification when the
// active strategy cannot count documents itself.
type CounterFactory func(cfg *config.Config) activities.Counter

type Option func(*Orchestrator)

// WithRunner replaces the runner used for external tools.
func WithRunner(r activities.CommandRunner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

func WithDirectStrategy(f StrategyFactory) Option {
	return func(o *Orchestrator) { o.newDirect = f }
}

func WithDumpRestoreStrategy(f StrategyFactory) Option {
	return func(o *Orchestrator) { o.newDumpRestore = f }
}

func WithCounter(f CounterFactory) Option {
	return func(o *Orchestrator) { o.newCounter = f }
}

// Orchestrator sequences one sync run: validation, the transfer itself,
// optional verification, and cleanup, which always runs.
type Orchestrator struct {
	cfg         *config.Config
	collections []string

	runner         activities.CommandRunner
	newDirect      StrategyFactory
	newDumpRestore StrategyFactory
	newCounter     CounterFactory

	mu      sync.Mutex
	history []State
}

// New creates an orchestrator syncing the given collections, in order.
// The list is copied; later changes by the caller have no effect.
func New(cfg *config.Config, collections []string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		collections: append([]string(nil), collections...),
		runner:      runner.New(),
	}
	o.newDirect = o.defaultDirect
	o.newDumpRestore = o.defaultDumpRestore
	o.newCounter = o.defaultCounter

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// State is the state the orchestrator is currently in.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) == 0 {
		return ""
	}
	return o.history[len(o.history)-1]
}

// History lists every state entered so far.
func (o *Orchestrator) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]State(nil), o.history...)
}

func (o *Orchestrator) transition(state State) {
	o.mu.Lock()
	o.history = append(o.history, state)
	o.mu.Unlock()

	log.Emit(logger.DEBUG, "Entering state %s\n", state)
}

// Run performs the sync. The returned result is never nil; its Success
// field is true only when err is nil.
func (o *Orchestrator) Run(ctx context.Context) (res *models.SyncResult, err error) {
	start := time.Now()
	res = &models.SyncResult{RunID: uuid.NewString()}

	var strategy activities.Strategy
	defer func() {
		o.transition(StateCleaningUp)
		o.cleanup(ctx, strategy)

		res.Elapsed = time.Since(start)
		res.Success = err == nil
		if err != nil {
			o.transition(StateFailed)
			log.Emit(logger.ERROR, "Sync %s failed after %s: %v\n", res.RunID, res.Elapsed.Round(time.Millisecond), err)
			return
		}

		o.transition(StateDone)
		log.Emit(logger.SUCCESS, "Sync %s completed in %s\n", res.RunID, res.Elapsed.Round(time.Millisecond))
	}()

	o.transition(StateValidating)
	if err = o.cfg.Validate(); err != nil {
		return res, err
	}

	logger.Banner(log, fmt.Sprintf("Sync %s", res.RunID))
	log.Emit(logger.INFO, "Syncing %d collections from %s to %s\n", len(o.collections), o.cfg.RemoteDB, o.cfg.LocalDB)

	strategy, err = o.openStrategy(ctx)
	if err != nil {
		return res, err
	}
	res.Strategy = strategy.Name()

	if err = o.transfer(ctx, strategy, res); err != nil {
		return res, err
	}

	if o.cfg.SkipVerification {
		log.Emit(logger.INFO, "Skipping verification\n")
		return res, nil
	}

	o.transition(StateVerifying)
	logger.Banner(log, "Verification")
	res.Counts, _ = activities.NewVerifier(o.counterFor(strategy)).Verify(ctx, o.collections)

	return res, nil
}

// openStrategy picks and opens the transfer strategy. The strategy is
// returned even when opening fails so cleanup can release whatever was
// acquired.
func (o *Orchestrator) openStrategy(ctx context.Context) (activities.Strategy, error) {
	if o.cfg.UseDirectTransfer {
		o.transition(StateDirectTransfer)
		direct := o.newDirect(o.cfg)

		err := direct.Open(ctx)
		if err == nil {
			return direct, nil
		}
		if !errors.Is(err, activities.ErrFallbackRequired) {
			return direct, err
		}

		log.Emit(logger.WARNING, "%v; falling back to dump/restore\n", err)
		o.cleanup(ctx, direct)
	}

	o.transition(StateExportRestore)
	dumpRestore := o.newDumpRestore(o.cfg)
	if err := dumpRestore.Open(ctx); err != nil {
		return dumpRestore, err
	}

	return dumpRestore, nil
}

// transfer runs every phase of the strategy over the collection list.
// A failed collection aborts the phase and the run.
func (o *Orchestrator) transfer(ctx context.Context, strategy activities.Strategy, res *models.SyncResult) error {
	var mu sync.Mutex

	for _, phase := range strategy.Phases() {
		phase := phase
		logger.Banner(log, fmt.Sprintf("%s (%s)", phase.Role, strategy.Name()))
		phaseStart := time.Now()

		tasks := make([]limiter.Task, 0, len(o.collections))
		for _, collection := range o.collections {
			collection := collection
			tasks = append(tasks, func(ctx context.Context) error {
				result, err := phase.Run(ctx, collection)

				mu.Lock()
				res.Results = append(res.Results, result)
				mu.Unlock()

				return err
			})
		}

		var err error
		if o.cfg.UseParallel {
			log.Emit(logger.INFO, "Running %s with up to %d collections in parallel\n", phase.Role, o.cfg.MaxParallel)
			err = limiter.Run(ctx, tasks, o.cfg.MaxParallel)
		} else {
			err = limiter.Sequential(ctx, tasks)
		}
		if err != nil {
			return errors.Wrapf(err, "%s phase failed", phase.Role)
		}

		log.Emit(logger.SUCCESS, "%s phase finished in %s\n", phase.Role, time.Since(phaseStart).Round(time.Millisecond))
	}

	return nil
}

func (o *Orchestrator) counterFor(strategy activities.Strategy) activities.Counter {
	if counter, ok := strategy.(activities.Counter); ok {
		return counter
	}
	return o.newCounter(o.cfg)
}

// cleanup releases what the strategy acquired. It runs even when ctx
// has been cancelled, and its own failures are only logged.
func (o *Orchestrator) cleanup(ctx context.Context, strategy activities.Strategy) {
	if strategy == nil {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := strategy.Close(cleanupCtx); err != nil {
		log.Emit(logger.WARNING, "Cleanup of %s failed: %v\n", strategy.Name(), err)
	}
}

func (o *Orchestrator) defaultDirect(cfg *config.Config) activities.Strategy {
	return activities.NewDirectTransfer(activities.TransferParams{
		SourceURI:      cfg.RemoteURI,
		DestinationURI: cfg.LocalURI,
		SourceDB:       cfg.RemoteDB,
		DestinationDB:  cfg.LocalDB,
		BatchSize:      cfg.BatchSize,
	})
}

func (o *Orchestrator) defaultDumpRestore(cfg *config.Config) activities.Strategy {
	return activities.NewDumpRestore(activities.DumpRestoreParams{
		SourceURI:       cfg.RemoteURI,
		DestinationURI:  cfg.LocalURI,
		SourceDB:        cfg.RemoteDB,
		DestinationDB:   cfg.LocalDB,
		Dir:             cfg.DumpDir,
		Timeout:         cfg.CommandTimeout(),
		MongodumpBin:    cfg.Tools.MongodumpBin,
		MongorestoreBin: cfg.Tools.MongorestoreBin,
	}, o.runner)
}

func (o *Orchestrator) defaultCounter(cfg *config.Config) activities.Counter {
	return activities.NewShellCounter(o.runner, cfg.Tools.MongoshBin, cfg.LocalURI, cfg.LocalDB, cfg.CommandTimeout())
}
