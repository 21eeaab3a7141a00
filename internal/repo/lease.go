package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/domain"
)

var (
	// ErrLeaseHeld means another live process owns the workspace.
	ErrLeaseHeld = fmt.Errorf("%w: workspace is held by another process", domain.ErrConflict)
	// ErrLeaseLost means the holder's lease expired and someone else took it.
	ErrLeaseLost = fmt.Errorf("%w: workspace lease lost", domain.ErrConflict)
)

// Lease is the single writer lease on a workspace database.
type Lease struct {
	Holder     string
	Owner      string
	PID        int
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireLease takes the workspace lease when it is free, expired, or already
// ours. expires_at is stored as unix nanoseconds so the comparison is numeric.
func (r Repo) AcquireLease(ctx context.Context, l Lease, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workspace_lease(id,holder,owner,pid,acquired_at,expires_at) VALUES (1,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET holder=excluded.holder, owner=excluded.owner, pid=excluded.pid,
  acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE workspace_lease.expires_at <= ? OR workspace_lease.holder = excluded.holder`,
		l.Holder, l.Owner, l.PID, formatTime(l.AcquiredAt), l.ExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := r.CurrentLease(ctx)
	if err != nil {
		return ErrLeaseHeld
	}
	return fmt.Errorf("%w (holder %s, owner %s, pid %d, until %s)", ErrLeaseHeld,
		cur.Holder, cur.Owner, cur.PID, cur.ExpiresAt.UTC().Format(time.RFC3339))
}

// RenewLease pushes the expiry forward for the current holder.
func (r Repo) RenewLease(ctx context.Context, holder string, expiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workspace_lease SET expires_at=? WHERE id=1 AND holder=?`, expiresAt.UnixNano(), holder)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (r Repo) ReleaseLease(ctx context.Context, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM workspace_lease WHERE id=1 AND holder=?`, holder)
	return err
}

func (r Repo) CurrentLease(ctx context.Context) (Lease, error) {
	var (
		l        Lease
		acquired string
		expires  int64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT holder,owner,pid,acquired_at,expires_at FROM workspace_lease WHERE id=1`).
		Scan(&l.Holder, &l.Owner, &l.PID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, err
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return Lease{}, err
	}
	l.ExpiresAt = time.Unix(0, expires).UTC()
	return l, nil
}
