// Package lease coordinates mutual-exclusion leases on named resources.
//
// A lease is a row in resource_locks with a TTL and a monotonic version.
// Acquisition runs in a serializable transaction: expired leases for the key
// are evicted, compatibility is checked (exclusive excludes everything,
// shared coexists with shared), and on success a new version is inserted.
// Contention is handled with exponential backoff and jitter.
package lease

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
)

// Handle identifies a held lease; required for release and extension.
type Handle struct {
	Key     string
	Version int64
	TaskID  string
}

// Request describes an acquisition attempt. Zero-valued fields fall back to
// the coordinator's configured defaults.
type Request struct {
	Key         string
	TaskID      string
	AgentID     string
	Type        string // db.LockExclusive (default) or db.LockShared
	TTL         time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

// Coordinator acquires, extends, and releases resource leases.
type Coordinator struct {
	store *db.Store
	bus   events.Bus
	log   *slog.Logger
	cfg   config.Locks

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a lease coordinator.
func New(store *db.Store, bus events.Bus, log *slog.Logger, cfg config.Locks) *Coordinator {
	return &Coordinator{
		store: store,
		bus:   bus,
		log:   log,
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire attempts to take a lease, retrying with exponential backoff on
// contention. Emits lock.wait_time telemetry for every outcome and returns
// LOCK_UNAVAILABLE once retries are exhausted.
func (c *Coordinator) Acquire(ctx context.Context, req Request) (*Handle, error) {
	if req.Key == "" || req.TaskID == "" {
		return nil, enginerr.ErrInvalidInput("lease request", "key and task id are required")
	}
	if req.Type == "" {
		req.Type = db.LockExclusive
	}
	if req.TTL <= 0 {
		req.TTL = c.cfg.DefaultTTL
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = c.cfg.MaxRetries
	}
	if req.BaseBackoff <= 0 {
		req.BaseBackoff = c.cfg.BaseBackoff
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		handle, err := c.tryAcquire(ctx, req)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			c.emitWaitTime(ctx, req, attempt+1, time.Since(start), true)
			c.bus.Publish(ctx, events.New(events.LockAcquired, events.EntityLock, req.Key, map[string]any{
				"task_id":   req.TaskID,
				"agent_id":  req.AgentID,
				"lock_type": req.Type,
				"version":   handle.Version,
			}))
			return handle, nil
		}

		if attempt >= req.MaxRetries {
			c.emitWaitTime(ctx, req, attempt+1, time.Since(start), false)
			return nil, enginerr.ErrLockUnavailable(req.Key, attempt+1)
		}

		backoff := req.BaseBackoff * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(req.BaseBackoff) + 1))
		if err := c.sleep(ctx, backoff+jitter); err != nil {
			c.emitWaitTime(ctx, req, attempt+1, time.Since(start), false)
			return nil, err
		}
	}
}

// tryAcquire is a single serializable attempt. Returns (nil, nil) when the
// key is held incompatibly.
func (c *Coordinator) tryAcquire(ctx context.Context, req Request) (*Handle, error) {
	var handle *Handle
	now := time.Now().UTC()
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	err := c.store.RunInTxOpts(ctx, opts, func(tx *db.TxOps) error {
		if _, err := db.EvictExpiredLocksTx(tx, req.Key, now); err != nil {
			return err
		}
		live, err := db.LiveLocksTx(tx, req.Key, now)
		if err != nil {
			return err
		}
		if !compatible(req.Type, live) {
			return nil
		}
		lock := &db.ResourceLock{
			ResourceKey:   req.Key,
			HolderTaskID:  req.TaskID,
			HolderAgentID: req.AgentID,
			LockType:      req.Type,
			AcquiredAt:    now,
			ExpiresAt:     now.Add(req.TTL),
		}
		version, err := db.InsertLockTx(tx, lock)
		if err != nil {
			return err
		}
		handle = &Handle{Key: req.Key, Version: version, TaskID: req.TaskID}
		return nil
	})
	if err != nil {
		return nil, enginerr.ErrInternal("lease acquisition", err)
	}
	return handle, nil
}

// compatible reports whether a new lease of the given type may coexist with
// the live set: exclusive requires none, shared tolerates shared only.
func compatible(lockType string, live []db.ResourceLock) bool {
	if len(live) == 0 {
		return true
	}
	if lockType == db.LockExclusive {
		return false
	}
	for _, l := range live {
		if l.LockType == db.LockExclusive {
			return false
		}
	}
	return true
}

func (c *Coordinator) emitWaitTime(ctx context.Context, req Request, attempts int, wait time.Duration, acquired bool) {
	c.bus.Publish(ctx, events.New(events.LockWaitTime, events.EntityLock, req.Key, map[string]any{
		"task_id":  req.TaskID,
		"attempts": attempts,
		"wait_ms":  wait.Milliseconds(),
		"acquired": acquired,
	}))
}

// Release drops a lease. The (key, version, task) triple must still match;
// releasing a reclaimed lease is a silent no-op.
func (c *Coordinator) Release(ctx context.Context, h *Handle) error {
	var removed bool
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		removed, err = db.DeleteLockTx(tx, h.Key, h.Version, h.TaskID)
		return err
	})
	if err != nil {
		return enginerr.ErrInternal("lease release", err)
	}
	if removed {
		c.bus.Publish(ctx, events.New(events.LockReleased, events.EntityLock, h.Key, map[string]any{
			"task_id": h.TaskID,
			"version": h.Version,
		}))
	}
	return nil
}

// Extend bumps the lease expiry iff the holder still matches. Returns
// CONFLICT when the lease was reclaimed.
func (c *Coordinator) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	var extended bool
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		extended, err = db.ExtendLockTx(tx, h.Key, h.Version, h.TaskID, time.Now().UTC().Add(ttl))
		return err
	})
	if err != nil {
		return enginerr.ErrInternal("lease extension", err)
	}
	if !extended {
		return enginerr.ErrConflict("lease", "holder no longer matches; lease was reclaimed")
	}
	return nil
}

// ReleaseAllForTask drops every lease a task holds; used on task completion,
// failure, and cancellation.
func (c *Coordinator) ReleaseAllForTask(ctx context.Context, taskID string) error {
	var keys []string
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		keys, err = db.ReleaseLocksForTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return enginerr.ErrInternal("release task leases", err)
	}
	for _, key := range keys {
		c.bus.Publish(ctx, events.New(events.LockReleased, events.EntityLock, key, map[string]any{
			"task_id": taskID,
		}))
	}
	return nil
}

// SweepExpired evicts every expired lease; run periodically by the engine.
func (c *Coordinator) SweepExpired(ctx context.Context) error {
	keys, err := c.store.SweepExpiredLocks(ctx, time.Now().UTC())
	if err != nil {
		return enginerr.ErrInternal("lease sweep", err)
	}
	for _, key := range keys {
		c.log.Debug("expired lease reclaimed", "resource_key", key)
		c.bus.Publish(ctx, events.New(events.LockReleased, events.EntityLock, key, map[string]any{
			"reason": "expired",
		}))
	}
	return nil
}
