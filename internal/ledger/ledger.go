// Package ledger is the single writer of delivered_items, the record of
// every canonical link that has been delivered.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"newsbot/internal/news"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

// ErrEmptyLink rejects records without identity.
var ErrEmptyLink = errors.New("ledger: empty link")

const (
	cacheTTL     = 6 * time.Hour
	cacheCleanup = 30 * time.Minute
)

type Ledger struct {
	db  *sql.DB
	log logx.Logger

	// seen caches positive lookups only; a miss always goes to the database.
	seen *gocache.Cache
	now  func() time.Time
}

func New(db *storage.DB, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		db:   db.SQL(),
		log:  log.With(logx.String("comp", "ledger")),
		seen: gocache.New(cacheTTL, cacheCleanup),
		now:  time.Now,
	}
}

// IsDelivered reports whether link has a delivery record.
func (l *Ledger) IsDelivered(ctx context.Context, link string) (bool, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return false, nil
	}
	if _, ok := l.seen.Get(link); ok {
		return true, nil
	}
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM delivered_items WHERE link = ? LIMIT 1`, link).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.seen.SetDefault(link, struct{}{})
	return true, nil
}

// Record inserts a delivery record. inserted=false means the link was
// already recorded; callers treat that as a no-op, never as a retry signal.
func (l *Ledger) Record(ctx context.Context, rec news.Record) (inserted bool, err error) {
	rec.Link = strings.TrimSpace(rec.Link)
	if rec.Link == "" {
		return false, ErrEmptyLink
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = l.now()
	}
	var published any
	if rec.PublishedAt != nil {
		published = storage.FormatTime(*rec.PublishedAt)
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO delivered_items(source_id, title, link, published_at, delivered_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(link) DO NOTHING`,
		rec.SourceID, rec.Title, rec.Link, published, storage.FormatTime(rec.DeliveredAt))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			l.seen.SetDefault(rec.Link, struct{}{})
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	l.seen.SetDefault(rec.Link, struct{}{})
	if n == 0 {
		l.log.Debug("duplicate delivery record ignored", logx.String("link", rec.Link))
		return false, nil
	}
	return true, nil
}

// Count returns the number of delivery records, optionally for one source (sourceID > 0).
func (l *Ledger) Count(ctx context.Context, sourceID int64) (int, error) {
	var n int
	var err error
	if sourceID > 0 {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivered_items WHERE source_id = ?`, sourceID).Scan(&n)
	} else {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivered_items`).Scan(&n)
	}
	return n, err
}
