package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsbot/internal/news"
	"newsbot/internal/registry"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

func openTestLedger(t *testing.T) (*Ledger, int64) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() err = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	src, err := registry.New(db, logx.Nop()).Add(ctx, "Habr", "https://habr.example/feed", news.KindRSS)
	if err != nil {
		t.Fatalf("Add() err = %v", err)
	}
	return New(db, logx.Nop()), src.ID
}

func TestRecordThenIsDelivered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, srcID := openTestLedger(t)
	link := "https://habr.example/post/1"

	ok, err := l.IsDelivered(ctx, link)
	if err != nil || ok {
		t.Fatalf("IsDelivered() = %v, %v; want false", ok, err)
	}

	pub := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inserted, err := l.Record(ctx, news.Record{SourceID: srcID, Title: "Post", Link: link, PublishedAt: &pub})
	if err != nil || !inserted {
		t.Fatalf("Record() = %v, %v; want inserted", inserted, err)
	}

	ok, err = l.IsDelivered(ctx, link)
	if err != nil || !ok {
		t.Fatalf("IsDelivered() = %v, %v; want true", ok, err)
	}

	inserted, err = l.Record(ctx, news.Record{SourceID: srcID, Title: "Post again", Link: link})
	if err != nil {
		t.Fatalf("duplicate Record() err = %v, want nil", err)
	}
	if inserted {
		t.Fatalf("duplicate Record() inserted = true, want false")
	}

	n, err := l.Count(ctx, srcID)
	if err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v; want 1", n, err)
	}
}

func TestIsDeliveredReadsDatabaseOnCacheMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, srcID := openTestLedger(t)
	link := "https://habr.example/post/2"
	if _, err := l.Record(ctx, news.Record{SourceID: srcID, Title: "t", Link: link}); err != nil {
		t.Fatalf("Record() err = %v", err)
	}
	l.seen.Flush()

	ok, err := l.IsDelivered(ctx, link)
	if err != nil || !ok {
		t.Fatalf("IsDelivered() after flush = %v, %v; want true", ok, err)
	}
}

func TestRecordRejectsEmptyLink(t *testing.T) {
	t.Parallel()

	l, srcID := openTestLedger(t)
	if _, err := l.Record(context.Background(), news.Record{SourceID: srcID, Link: "  "}); !errors.Is(err, ErrEmptyLink) {
		t.Fatalf("Record() err = %v, want ErrEmptyLink", err)
	}
}

func TestConcurrentRecordSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, srcID := openTestLedger(t)
	link := "https://habr.example/post/race"

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := l.Record(ctx, news.Record{SourceID: srcID, Title: "t", Link: link})
			if err != nil {
				t.Errorf("Record() err = %v", err)
				return
			}
			if inserted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("inserted count = %d, want 1", got)
	}
}
