// Package engine assembles the orchestration runtime: storage, event bus,
// leases, scheduler, registry, phase machine, discovery, dispatcher, and the
// guardian loops, behind one control surface.
package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/db/driver"
	"github.com/steward-dev/steward/internal/discovery"
	"github.com/steward-dev/steward/internal/dispatch"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/guardian"
	"github.com/steward-dev/steward/internal/lease"
	"github.com/steward-dev/steward/internal/phase"
	"github.com/steward-dev/steward/internal/registry"
	"github.com/steward-dev/steward/internal/scheduler"
)

// Loop restart backoff bounds. A crashing loop restarts quickly at first,
// then backs off so a persistent fault cannot spin the process.
const (
	restartBackoffBase = time.Second
	restartBackoffMax  = time.Minute
)

// Engine owns every component and runs the background loops.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	store      *db.Store
	bus        events.Bus
	leases     *lease.Coordinator
	queue      *scheduler.Queue
	registry   *registry.Registry
	machine    *phase.Machine
	discoverer *discovery.Service
	dispatcher *dispatch.Dispatcher
	guardian   *guardian.Guardian
}

// Options override default component construction.
type Options struct {
	// Analyzer replaces the guardian's trajectory analyzer. Nil selects the
	// static rule-based analyzer.
	Analyzer guardian.Analyzer
	// Store replaces database opening; used by tests to inject an in-memory
	// store. The engine still runs migrations.
	Store *db.Store
}

// New builds a fully wired engine from configuration.
func New(cfg *config.Config, log *slog.Logger, opts Options) (*Engine, error) {
	store := opts.Store
	if store == nil {
		var err error
		store, err = db.Open(driver.Dialect(cfg.Database.Dialect), cfg.Database.DSN)
		if err != nil {
			return nil, enginerr.ErrInternal("open database", err)
		}
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, enginerr.ErrInternal("migrate database", err)
	}

	defs := phase.Defaults()
	if cfg.PhasesFile != "" {
		loaded, err := phase.LoadFile(cfg.PhasesFile)
		if err != nil {
			return nil, enginerr.ErrInvalidInput("phases_file", err.Error())
		}
		defs = loaded
	}

	bus := events.NewMemoryBus(log, store)
	leases := lease.New(store, bus, log, cfg.Locks)
	queue := scheduler.New(store, bus, leases, log, cfg.Tasks)
	reg := registry.New(store, bus, log, cfg.Agents)

	machine, err := phase.NewMachine(store, bus, log, defs, phase.NewTruncatingSummarizer(0), cfg.Tasks)
	if err != nil {
		return nil, err
	}
	if err := machine.SyncDefinitions(context.Background()); err != nil {
		return nil, err
	}

	discoverer := discovery.New(store, bus, queue, log)
	dispatcher := dispatch.New(store, bus, queue, reg, leases, log, cfg.Dispatcher)
	guard, err := guardian.New(store, bus, machine, discoverer, opts.Analyzer, log, cfg.Guardian)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		log:        log,
		store:      store,
		bus:        bus,
		leases:     leases,
		queue:      queue,
		registry:   reg,
		machine:    machine,
		discoverer: discoverer,
		dispatcher: dispatcher,
		guardian:   guard,
	}, nil
}

// Run starts all background loops and blocks until the context is
// cancelled. Each loop is supervised: a crash restarts it with exponential
// backoff instead of taking the engine down.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.discoverer.Subscribe(e.bus)
	defer unsubscribe()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return e.supervise(ctx, "dispatcher", e.dispatcher.Run) })
	grp.Go(func() error { return e.supervise(ctx, "guardian", e.guardian.Run) })
	grp.Go(func() error {
		return e.supervise(ctx, "lease-sweep", func(ctx context.Context) error {
			return e.tick(ctx, e.cfg.Locks.SweepInterval, e.sweepLeases)
		})
	})
	grp.Go(func() error {
		return e.supervise(ctx, "agent-sweep", func(ctx context.Context) error {
			return e.tick(ctx, e.cfg.Agents.HeartbeatInterval, e.sweepStaleAgents)
		})
	})
	grp.Go(func() error {
		return e.supervise(ctx, "timeout-sweep", func(ctx context.Context) error {
			return e.tick(ctx, e.cfg.Tasks.TimeoutSweepInterval, e.queue.TimeoutSweep)
		})
	})
	return grp.Wait()
}

// Bus exposes the event bus for observers such as the metrics collector.
func (e *Engine) Bus() events.Bus {
	return e.bus
}

// Close releases the bus and storage. Call after Run returns.
func (e *Engine) Close() error {
	e.bus.Close()
	return e.store.Close()
}

// supervise restarts fn on failure until the context ends. Panics are
// contained and treated as failures.
func (e *Engine) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	backoff := restartBackoffBase
	for {
		err := e.runContained(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Error("engine loop crashed, restarting", "loop", name, "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func (e *Engine) runContained(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = enginerr.ErrInternal("engine loop panic", nil)
			e.log.Error("engine loop panicked", "panic", r)
		}
	}()
	return fn(ctx)
}

// tick runs fn on an interval until the context ends.
func (e *Engine) tick(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("engine sweep failed", "error", err)
			}
		}
	}
}

func (e *Engine) sweepLeases(ctx context.Context) error {
	return e.leases.SweepExpired(ctx)
}

// sweepStaleAgents quarantines agents that missed their heartbeat window
// and requeues their in-flight work.
func (e *Engine) sweepStaleAgents(ctx context.Context) error {
	stale, err := e.registry.SweepStale(ctx)
	if err != nil {
		return err
	}
	for _, agentID := range stale {
		if err := e.queue.RequeueAgentTasks(ctx, agentID); err != nil {
			e.log.Error("failed to requeue tasks from stale agent", "agent_id", agentID, "error", err)
		}
	}
	return nil
}
