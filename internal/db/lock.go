package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Lock types.
const (
	LockExclusive = "exclusive"
	LockShared    = "shared"
)

// ResourceLock is a mutual-exclusion lease on a named resource.
type ResourceLock struct {
	ResourceKey   string
	Version       int64
	HolderTaskID  string
	HolderAgentID string
	LockType      string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
}

const lockColumns = `resource_key, version, holder_task_id, holder_agent_id, lock_type, acquired_at, expires_at`

// EvictExpiredLocksTx removes expired leases for a key so the next holder
// can take over a crashed holder's resource.
func EvictExpiredLocksTx(tx *TxOps, key string, now time.Time) (int64, error) {
	res, err := tx.Exec(`DELETE FROM resource_locks WHERE resource_key = ? AND expires_at <= ?`,
		key, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("evict expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LiveLocksTx returns the unexpired leases for a key.
func LiveLocksTx(tx *TxOps, key string, now time.Time) ([]ResourceLock, error) {
	rows, err := tx.Query(`
		SELECT `+lockColumns+`
		FROM resource_locks
		WHERE resource_key = ? AND expires_at > ?
		ORDER BY version ASC
	`, key, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("live locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []ResourceLock
	for rows.Next() {
		l, err := scanLock(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// NextLockVersionTx advances and returns the per-key version sequence. The
// sequence survives row deletion, so a released or TTL-reclaimed key never
// re-issues a version a stale handle still holds.
func NextLockVersionTx(tx *TxOps, key string) (int64, error) {
	row := tx.QueryRow(`
		INSERT INTO resource_lock_versions (resource_key, version)
		VALUES (?, 1)
		ON CONFLICT(resource_key) DO UPDATE SET version = resource_lock_versions.version + 1
		RETURNING version
	`, key)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("next lock version: %w", err)
	}
	return version, nil
}

// InsertLockTx inserts a lease at the key's next monotonic version and
// returns the assigned version.
func InsertLockTx(tx *TxOps, l *ResourceLock) (int64, error) {
	version, err := NextLockVersionTx(tx, l.ResourceKey)
	if err != nil {
		return 0, err
	}
	l.Version = version

	_, err = tx.Exec(`
		INSERT INTO resource_locks (`+lockColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ResourceKey, l.Version, l.HolderTaskID, strPtr(l.HolderAgentID), l.LockType,
		fmtTime(l.AcquiredAt), fmtTime(l.ExpiresAt))
	if err != nil {
		return 0, fmt.Errorf("insert lock: %w", err)
	}
	return l.Version, nil
}

// DeleteLockTx releases a lease iff the (key, version, holder task) still
// match; returns whether a row was removed.
func DeleteLockTx(tx *TxOps, key string, version int64, holderTaskID string) (bool, error) {
	res, err := tx.Exec(`
		DELETE FROM resource_locks
		WHERE resource_key = ? AND version = ? AND holder_task_id = ?
	`, key, version, holderTaskID)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExtendLockTx bumps a lease's expiry iff the holder still matches.
func ExtendLockTx(tx *TxOps, key string, version int64, holderTaskID string, expiresAt time.Time) (bool, error) {
	res, err := tx.Exec(`
		UPDATE resource_locks
		SET expires_at = ?
		WHERE resource_key = ? AND version = ? AND holder_task_id = ? AND expires_at > ?
	`, fmtTime(expiresAt), key, version, holderTaskID, fmtTime(time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LocksForTask returns every live lease held by a task.
func (s *Store) LocksForTask(ctx context.Context, taskID string) ([]ResourceLock, error) {
	rows, err := s.Query(ctx, `
		SELECT `+lockColumns+`
		FROM resource_locks
		WHERE holder_task_id = ?
		ORDER BY resource_key ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("locks for task: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []ResourceLock
	for rows.Next() {
		l, err := scanLock(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// ReleaseLocksForTaskTx drops every lease a task holds, returning the keys
// released.
func ReleaseLocksForTaskTx(tx *TxOps, taskID string) ([]string, error) {
	rows, err := tx.Query(`SELECT resource_key FROM resource_locks WHERE holder_task_id = ? ORDER BY resource_key`, taskID)
	if err != nil {
		return nil, fmt.Errorf("release locks for task: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lock key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(keys) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`DELETE FROM resource_locks WHERE holder_task_id = ?`, taskID); err != nil {
		return nil, fmt.Errorf("release locks for task: %w", err)
	}
	return keys, nil
}

// SweepExpiredLocks removes all expired leases and returns the affected keys.
func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) ([]string, error) {
	var keys []string
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		rows, err := tx.Query(`SELECT DISTINCT resource_key FROM resource_locks WHERE expires_at <= ? ORDER BY resource_key`, fmtTime(now))
		if err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan lock key: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		if len(keys) == 0 {
			return nil
		}
		if _, err := tx.Exec(`DELETE FROM resource_locks WHERE expires_at <= ?`, fmtTime(now)); err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func scanLock(scan func(...any) error) (*ResourceLock, error) {
	var l ResourceLock
	var agentID sql.NullString
	var acquiredAt, expiresAt string

	if err := scan(&l.ResourceKey, &l.Version, &l.HolderTaskID, &agentID, &l.LockType,
		&acquiredAt, &expiresAt); err != nil {
		return nil, err
	}

	l.HolderAgentID = nullString(agentID)
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	return &l, nil
}
