// Package registry is the single writer of the sources table.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsbot/internal/news"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

var (
	ErrAlreadyExists = errors.New("source already exists")
	ErrNotFound      = errors.New("source not found")
	ErrInvalidKind   = errors.New("invalid source kind")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidHandle = errors.New("invalid twitter handle")
)

type Registry struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func New(db *storage.DB, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db.SQL(), log: log.With(logx.String("comp", "registry")), now: time.Now}
}

// Add creates an active source. Name and URL must each be unique among all
// sources, including deactivated ones. Twitter handles are stored in
// canonical form, so "@GoLang" collides with "golang".
func (r *Registry) Add(ctx context.Context, name, url string, kind news.Kind) (news.Source, error) {
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)
	if name == "" {
		return news.Source{}, fmt.Errorf("%w: name", ErrMissingField)
	}
	if url == "" {
		return news.Source{}, fmt.Errorf("%w: url", ErrMissingField)
	}
	k, ok := news.ParseKind(string(kind))
	if !ok {
		return news.Source{}, fmt.Errorf("%w: %q (want one of rss, zen, twitter)", ErrInvalidKind, kind)
	}
	if k == news.KindTwitter {
		h, ok := news.CanonicalHandle(url)
		if !ok {
			return news.Source{}, fmt.Errorf("%w: %q", ErrInvalidHandle, url)
		}
		url = h
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return news.Source{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var taken string
	err = tx.QueryRowContext(ctx,
		`SELECT CASE WHEN name = ? THEN 'name' ELSE 'url' END FROM sources WHERE name = ? OR url = ? LIMIT 1`,
		name, name, url).Scan(&taken)
	switch {
	case err == nil:
		return news.Source{}, fmt.Errorf("%w: %s", ErrAlreadyExists, taken)
	case !errors.Is(err, sql.ErrNoRows):
		return news.Source{}, err
	}

	src := news.Source{Name: name, URL: url, Kind: k, Active: true, CreatedAt: r.now().UTC()}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sources(name, url, kind, active, created_at) VALUES(?,?,?,1,?)`,
		src.Name, src.URL, string(src.Kind), storage.FormatTime(src.CreatedAt))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return news.Source{}, ErrAlreadyExists
		}
		return news.Source{}, err
	}
	if src.ID, err = res.LastInsertId(); err != nil {
		return news.Source{}, err
	}
	if err := tx.Commit(); err != nil {
		if storage.IsUniqueViolation(err) {
			return news.Source{}, ErrAlreadyExists
		}
		return news.Source{}, err
	}
	r.log.Info("source added", logx.Int64("id", src.ID), logx.String("name", src.Name), logx.String("kind", string(src.Kind)))
	return src, nil
}

// Deactivate flips an active source to inactive. A missing or already
// inactive source yields ErrNotFound.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE sources SET active = 0 WHERE name = ? AND active = 1`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	r.log.Info("source deactivated", logx.String("name", name))
	return nil
}

// ListActive returns active sources in insertion order.
func (r *Registry) ListActive(ctx context.Context) ([]news.Source, error) {
	return r.query(ctx, `SELECT id, name, url, kind, active, created_at FROM sources WHERE active = 1 ORDER BY id`)
}

// List returns every source, including deactivated ones, in insertion order.
func (r *Registry) List(ctx context.Context) ([]news.Source, error) {
	return r.query(ctx, `SELECT id, name, url, kind, active, created_at FROM sources ORDER BY id`)
}

func (r *Registry) Get(ctx context.Context, name string) (news.Source, error) {
	list, err := r.query(ctx, `SELECT id, name, url, kind, active, created_at FROM sources WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return news.Source{}, err
	}
	if len(list) == 0 {
		return news.Source{}, ErrNotFound
	}
	return list[0], nil
}

func (r *Registry) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE active = 1`).Scan(&n)
	return n, err
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]news.Source, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []news.Source
	for rows.Next() {
		var (
			s       news.Source
			kind    string
			created string
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.URL, &kind, &s.Active, &created); err != nil {
			return nil, err
		}
		s.Kind = news.Kind(kind)
		if s.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, fmt.Errorf("source %d: created_at: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
