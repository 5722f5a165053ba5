package storage

import (
	"context"
	"time"
)

// AcquireLease takes the single dispatch lease for holder until now+ttl.
// It succeeds when no lease is held, the held one expired, or holder
// already owns it (a renewal). Expiry is stored in unix milliseconds.
func (d *DB) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if d == nil || d.db == nil {
		return false, ErrDisabled
	}
	now := time.Now()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO run_lease(id, holder, expires_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE run_lease.expires_at <= ? OR run_lease.holder = excluded.holder`,
		holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (d *DB) ReleaseLease(ctx context.Context, holder string) error {
	if d == nil || d.db == nil {
		return ErrDisabled
	}
	_, err := d.db.ExecContext(ctx, `DELETE FROM run_lease WHERE id = 1 AND holder = ?`, holder)
	return err
}
