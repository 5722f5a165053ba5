package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "newsbot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "newsbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "newsbot.db")
	for i := 0; i < 2; i++ {
		db, err := Open(context.Background(), Config{Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open() #%d err = %v", i, err)
		}
		var n int
		if err := db.SQL().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('sources','delivered_items','audit')`).Scan(&n); err != nil {
			t.Fatalf("query: %v", err)
		}
		if n != 3 {
			t.Fatalf("tables = %d, want 3", n)
		}
		_ = db.Close()
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatalf("Open() err = nil, want error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	now := FormatTime(time.Now())
	if _, err := db.SQL().ExecContext(ctx, `INSERT INTO sources(name, url, kind, created_at) VALUES('Habr','https://habr.example/feed','rss',?)`, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.SQL().ExecContext(ctx, `INSERT INTO sources(name, url, kind, created_at) VALUES('Habr','https://other.example/feed','rss',?)`, now)
	if !IsUniqueViolation(err) {
		t.Fatalf("IsUniqueViolation(%v) = false, want true", err)
	}
	if IsUniqueViolation(errors.New("boom")) || IsUniqueViolation(nil) {
		t.Fatalf("IsUniqueViolation matched unrelated error")
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := db.SQL().Exec(`INSERT INTO delivered_items(source_id, title, link, delivered_at) VALUES(999, 't', 'https://x', ?)`, FormatTime(time.Now()))
	if err == nil {
		t.Fatalf("insert with unknown source_id succeeded, want foreign key error")
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	entries := []AuditEntry{
		{ActorID: 1, Surface: "telegram", Action: "source.add", Target: "Habr", OK: true},
		{ActorID: 1, ActorUsername: "ops", Surface: "http", Action: "source.remove", Target: "Habr", Error: "not found"},
	}
	for _, e := range entries {
		if err := db.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit() err = %v", err)
		}
	}

	got, err := db.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudit() err = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Action != "source.remove" || got[0].OK || got[0].Error != "not found" || got[0].ActorUsername != "ops" {
		t.Fatalf("newest entry = %+v", got[0])
	}
	if !got[1].OK || got[1].At.IsZero() {
		t.Fatalf("oldest entry = %+v", got[1])
	}

	var nilDB *DB
	if err := nilDB.AppendAudit(ctx, AuditEntry{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil AppendAudit err = %v, want ErrDisabled", err)
	}
}

func TestRunLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "newsbot.db")
	a, err := Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	defer a.Close()
	b, err := Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	defer b.Close()

	steps := []struct {
		name   string
		db     *DB
		holder string
		ttl    time.Duration
		want   bool
	}{
		{"first holder", a, "serve", time.Minute, true},
		{"other process blocked", b, "cli", time.Minute, false},
		{"holder renews", a, "serve", time.Minute, true},
	}
	for _, s := range steps {
		got, err := s.db.AcquireLease(ctx, s.holder, s.ttl)
		if err != nil || got != s.want {
			t.Fatalf("%s: AcquireLease() = %v, %v; want %v", s.name, got, err, s.want)
		}
	}

	if err := b.ReleaseLease(ctx, "cli"); err != nil {
		t.Fatalf("ReleaseLease(non-holder) err = %v", err)
	}
	if ok, _ := b.AcquireLease(ctx, "cli", time.Minute); ok {
		t.Fatalf("non-holder release freed the lease")
	}
	if err := a.ReleaseLease(ctx, "serve"); err != nil {
		t.Fatalf("ReleaseLease() err = %v", err)
	}
	if ok, err := b.AcquireLease(ctx, "cli", time.Millisecond); !ok || err != nil {
		t.Fatalf("AcquireLease() after release = %v, %v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)
	if ok, err := a.AcquireLease(ctx, "serve", time.Minute); !ok || err != nil {
		t.Fatalf("AcquireLease() over expired lease = %v, %v", ok, err)
	}
}
