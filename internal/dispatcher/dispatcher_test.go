package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"newsbot/internal/delivery"
	"newsbot/internal/eventbus"
	"newsbot/internal/fetcher"
	"newsbot/internal/ledger"
	"newsbot/internal/news"
	"newsbot/internal/registry"
	"newsbot/internal/stats"
	"newsbot/internal/storage"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// --- fakes ---

type recordingSender struct {
	mu   sync.Mutex
	sent []string // "chatID|link"
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, _ string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link := ""
	if opt != nil && opt.LinkButton != nil {
		link = opt.LinkButton.URL
	}
	s.sent = append(s.sent, fmt.Sprintf("%d|%s", to.ChatID, link))
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type staticParser struct {
	feeds map[string]*gofeed.Feed
}

func (p staticParser) ParseURLWithContext(u string, _ context.Context) (*gofeed.Feed, error) {
	f, ok := p.feeds[u]
	if !ok {
		return nil, errors.New("404")
	}
	return f, nil
}

func (p staticParser) Parse(io.Reader) (*gofeed.Feed, error) { return nil, errors.New("unused") }

type staticSources []news.Source

func (s staticSources) ListActive(context.Context) ([]news.Source, error) { return s, nil }

type fetchFunc func(ctx context.Context, src news.Source) ([]news.Item, error)

func (f fetchFunc) Fetch(ctx context.Context, src news.Source) ([]news.Item, error) { return f(ctx, src) }

type memLedger struct {
	mu        sync.Mutex
	links     map[string]bool
	recordErr error
	forceDup  bool
}

func newMemLedger() *memLedger { return &memLedger{links: map[string]bool{}} }

func (l *memLedger) IsDelivered(_ context.Context, link string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.links[link], nil
}

func (l *memLedger) Record(_ context.Context, rec news.Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return false, l.recordErr
	}
	if l.forceDup || l.links[rec.Link] {
		l.links[rec.Link] = true
		return false, nil
	}
	l.links[rec.Link] = true
	return true, nil
}

type orderDeliverer struct {
	mu    sync.Mutex
	links []string
	fail  int
}

func (d *orderDeliverer) Deliver(_ context.Context, _ news.Source, it news.Item) delivery.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, it.Link)
	if d.fail > 0 {
		errs := make([]*delivery.DeliveryError, d.fail)
		for i := range errs {
			errs[i] = &delivery.DeliveryError{Err: errors.New("down")}
		}
		return delivery.Outcome{Sent: 1, Failed: d.fail, Errors: errs}
	}
	return delivery.Outcome{Sent: 1}
}

func items(links ...string) []news.Item {
	out := make([]news.Item, len(links))
	for i, l := range links {
		out[i] = news.Item{Title: "T " + l, Link: l}
	}
	return out
}

func newTestDispatcher(src Sources, f Fetcher, l Ledger, d Deliverer, opts ...Option) (*Dispatcher, *stats.Accumulator) {
	st := stats.New(time.Now())
	disp := New(Config{ItemDelay: 0}, src, f, l, d, st, logx.Nop(), opts...)
	return disp, st
}

// --- tests ---

func TestHabrScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() err = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(db, logx.Nop())
	if _, err := reg.Add(ctx, "Habr", "https://habr.example/feed", news.KindRSS); err != nil {
		t.Fatalf("Add() err = %v", err)
	}

	feed := &gofeed.Feed{Title: "Habr", Items: []*gofeed.Item{
		{Title: "A", Link: "https://habr.example/a"},
		{Title: "B", Link: "https://habr.example/b"},
		{Title: "C", Link: "https://habr.example/c"},
	}}
	fet := fetcher.New(fetcher.Config{}, staticParser{feeds: map[string]*gofeed.Feed{"https://habr.example/feed": feed}}, nil, logx.Nop())
	led := ledger.New(db, logx.Nop())
	sender := &recordingSender{}
	dl := delivery.New(delivery.Config{
		Destinations: []kit.ChatTarget{{ChatID: -1001}, {ChatID: -1002}},
		RatePerSec:   1000,
	}, sender, logx.Nop())

	disp, st := newTestDispatcher(reg, fet, led, dl)

	res, err := disp.Run(ctx, TriggerCommand)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if got := sender.count(); got != 6 {
		t.Fatalf("sends = %d, want 6", got)
	}
	if n, _ := led.Count(ctx, 0); n != 3 {
		t.Fatalf("ledger rows = %d, want 3", n)
	}
	if res.Delivered != 3 || res.Errors != 0 {
		t.Fatalf("RunResult = %+v, want 3 delivered", res)
	}

	res, err = disp.Run(ctx, TriggerCommand)
	if err != nil {
		t.Fatalf("second Run() err = %v", err)
	}
	if got := sender.count(); got != 6 {
		t.Fatalf("sends after rerun = %d, want 6", got)
	}
	if n, _ := led.Count(ctx, 0); n != 3 {
		t.Fatalf("ledger rows after rerun = %d, want 3", n)
	}
	if res.Delivered != 0 || res.Seen != 3 {
		t.Fatalf("second RunResult = %+v, want 0 delivered 3 seen", res)
	}

	s := st.Snapshot()
	if s.RunsCompleted != 2 || s.ItemsDelivered != 3 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestFailureContainment(t *testing.T) {
	t.Parallel()

	srcs := staticSources{{ID: 1, Name: "one"}, {ID: 2, Name: "two"}, {ID: 3, Name: "three"}}
	var attempted []string
	f := fetchFunc(func(_ context.Context, src news.Source) ([]news.Item, error) {
		attempted = append(attempted, src.Name)
		if src.Name == "two" {
			return nil, &fetcher.FetchError{Source: src.Name, Err: errors.New("timeout")}
		}
		return items("https://x/" + src.Name), nil
	})
	dl := &orderDeliverer{}
	disp, st := newTestDispatcher(srcs, f, newMemLedger(), dl)

	res, err := disp.Run(context.Background(), TriggerInterval)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if len(attempted) != 3 {
		t.Fatalf("attempted = %v, want all three", attempted)
	}
	if res.Errors < 1 || res.Delivered != 2 {
		t.Fatalf("RunResult = %+v, want errors>=1 delivered=2", res)
	}
	if res.Sources[1].Err == "" {
		t.Fatalf("Sources[1] = %+v, want error text", res.Sources[1])
	}
	if s := st.Snapshot(); s.RunsCompleted != 1 || s.Errors < 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDeliveryOrder(t *testing.T) {
	t.Parallel()

	srcs := staticSources{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
	f := fetchFunc(func(_ context.Context, src news.Source) ([]news.Item, error) {
		if src.Name == "a" {
			return items("A", "B", "C"), nil
		}
		return items("D"), nil
	})
	dl := &orderDeliverer{}
	disp, _ := newTestDispatcher(srcs, f, newMemLedger(), dl)

	if _, err := disp.Run(context.Background(), TriggerFixed); err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	want := []string{"A", "B", "C", "D"}
	if fmt.Sprint(dl.links) != fmt.Sprint(want) {
		t.Fatalf("delivery order = %v, want %v", dl.links, want)
	}
}

func TestEmptyRegistryCompletes(t *testing.T) {
	t.Parallel()

	disp, st := newTestDispatcher(staticSources{}, fetchFunc(func(context.Context, news.Source) ([]news.Item, error) {
		t.Fatalf("Fetch called with no sources")
		return nil, nil
	}), newMemLedger(), &orderDeliverer{})

	res, err := disp.Run(context.Background(), TriggerInterval)
	if err != nil || res.Delivered != 0 || res.Errors != 0 {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if s := st.Snapshot(); s.RunsCompleted != 1 || s.LastRunAt.IsZero() {
		t.Fatalf("stats = %+v", s)
	}
}

func TestConcurrentRunIsDroppedAndCounted(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) {
		close(entered)
		<-release
		return nil, nil
	})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	disp, st := newTestDispatcher(staticSources{{ID: 1, Name: "slow"}}, f, newMemLedger(), &orderDeliverer{}, WithEventBus(bus))

	done := make(chan error, 1)
	go func() {
		_, err := disp.Run(context.Background(), TriggerInterval)
		done <- err
	}()
	<-entered

	if !disp.Running() {
		t.Fatalf("Running() = false during a run")
	}
	if _, err := disp.Run(context.Background(), TriggerFixed); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Run() err = %v, want ErrRunInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() err = %v", err)
	}

	s := st.Snapshot()
	if s.SkippedRuns != 1 || s.RunsCompleted != 1 {
		t.Fatalf("stats = %+v, want 1 skipped 1 completed", s)
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want skipped and run", types)
		}
	}
	if types[0] != eventbus.TypeDispatchSkipped || types[1] != eventbus.TypeDispatchRun {
		t.Fatalf("events = %v", types)
	}
}

func TestConcurrentRunsDeliverOnce(t *testing.T) {
	t.Parallel()

	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) {
		return items("L1", "L2"), nil
	})
	dl := &orderDeliverer{}
	disp, _ := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, newMemLedger(), dl)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = disp.Run(context.Background(), TriggerInterval)
		}()
	}
	wg.Wait()

	if len(dl.links) != 2 {
		t.Fatalf("deliveries = %v, want each link once", dl.links)
	}
}

func TestSkipsDeliveredAndLinkless(t *testing.T) {
	t.Parallel()

	led := newMemLedger()
	led.links["old"] = true
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) {
		return append(items("new", "old"), news.Item{Title: "no link"}), nil
	})
	dl := &orderDeliverer{}
	disp, _ := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, led, dl)

	res, _ := disp.Run(context.Background(), TriggerInterval)
	if res.Delivered != 1 || res.Seen != 1 || res.NoLink != 1 || res.Errors != 0 {
		t.Fatalf("RunResult = %+v", res)
	}
	if len(dl.links) != 1 || dl.links[0] != "new" {
		t.Fatalf("deliveries = %v", dl.links)
	}
}

func TestDuplicateRecordCountsAsDelivered(t *testing.T) {
	t.Parallel()

	led := newMemLedger()
	led.forceDup = true
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) { return items("x"), nil })
	disp, _ := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, led, &orderDeliverer{})

	res, _ := disp.Run(context.Background(), TriggerInterval)
	if res.Delivered != 1 || res.Errors != 0 {
		t.Fatalf("RunResult = %+v, want duplicate treated as delivered", res)
	}
}

func TestDeliveryAndRecordErrorsAreCounted(t *testing.T) {
	t.Parallel()

	led := newMemLedger()
	led.recordErr = errors.New("disk I/O error")
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) { return items("x", "y"), nil })
	dl := &orderDeliverer{fail: 1}
	disp, st := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, led, dl)

	res, _ := disp.Run(context.Background(), TriggerInterval)
	// Per item: one failed destination and one record error.
	if res.Errors != 4 || res.Delivered != 0 {
		t.Fatalf("RunResult = %+v, want 4 errors 0 delivered", res)
	}
	if len(dl.links) != 2 {
		t.Fatalf("deliveries = %v, want both attempted", dl.links)
	}
	if s := st.Snapshot(); s.Errors != 4 {
		t.Fatalf("stats.Errors = %d, want 4", s.Errors)
	}
}

func TestItemDelayBetweenDeliveries(t *testing.T) {
	t.Parallel()

	led := newMemLedger()
	led.links["B"] = true
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) { return items("A", "B", "C", "D"), nil })
	disp := New(Config{ItemDelay: 750 * time.Millisecond}, staticSources{{ID: 1, Name: "s"}}, f, led, &orderDeliverer{}, nil, logx.Nop())
	var waits []time.Duration
	disp.sleep = func(_ context.Context, d time.Duration) { waits = append(waits, d) }

	if _, err := disp.Run(context.Background(), TriggerInterval); err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	// A, C, D delivered: two gaps.
	if len(waits) != 2 || waits[0] != 750*time.Millisecond {
		t.Fatalf("waits = %v, want two 750ms waits", waits)
	}
}

func TestKeywordFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"zero allows all", Filter{}, []string{"go", "rust", "go-crypto"}},
		{"include", Filter{Include: []string{" GO "}}, []string{"go", "go-crypto"}},
		{"exclude wins", Filter{Include: []string{"go"}, Exclude: []string{"crypto"}}, []string{"go"}},
		{"exclude only", Filter{Exclude: []string{"rust", ""}}, []string{"go", "go-crypto"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) {
				return []news.Item{
					{Title: "Go release", Link: "go"},
					{Title: "Rust release", Link: "rust"},
					{Title: "Go", Summary: "Crypto news", Link: "go-crypto"},
				}, nil
			})
			dl := &orderDeliverer{}
			led := newMemLedger()
			disp, _ := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, led, dl)
			disp.SetFilter(tt.filter)

			res, _ := disp.Run(context.Background(), TriggerInterval)
			if fmt.Sprint(dl.links) != fmt.Sprint(tt.want) {
				t.Fatalf("delivered = %v, want %v", dl.links, tt.want)
			}
			if res.Filtered != 3-len(tt.want) {
				t.Fatalf("Filtered = %d, want %d", res.Filtered, 3-len(tt.want))
			}
			// Filtered items leave no ledger trace.
			if len(led.links) != len(tt.want) {
				t.Fatalf("ledger = %v", led.links)
			}
		})
	}
}

type gateDeliverer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	shared  *orderDeliverer
}

func (g *gateDeliverer) Deliver(ctx context.Context, src news.Source, it news.Item) delivery.Outcome {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.shared.Deliver(ctx, src, it)
}

func TestRunsSerializedAcrossDatabaseHandles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.db")
	open := func() *storage.DB {
		db, err := storage.Open(ctx, storage.Config{Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open() err = %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	dbServe, dbCLI := open(), open()

	srcs := staticSources{{ID: 1, Name: "s"}}
	if _, err := registry.New(dbServe, logx.Nop()).Add(ctx, "s", "https://s.example/feed", news.KindRSS); err != nil {
		t.Fatalf("Add() err = %v", err)
	}
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) { return items("L1"), nil })
	sent := &orderDeliverer{}
	gate := &gateDeliverer{entered: make(chan struct{}), release: make(chan struct{}), shared: sent}

	serve, _ := newTestDispatcher(srcs, f, ledger.New(dbServe, logx.Nop()), gate, WithLease(dbServe, 0))
	cli, cliStats := newTestDispatcher(srcs, f, ledger.New(dbCLI, logx.Nop()), sent, WithLease(dbCLI, 0))

	done := make(chan error, 1)
	go func() {
		_, err := serve.Run(ctx, TriggerInterval)
		done <- err
	}()
	<-gate.entered

	if _, err := cli.Run(ctx, TriggerCLI); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("cli Run() err = %v, want ErrRunInProgress", err)
	}
	if s := cliStats.Snapshot(); s.SkippedRuns != 1 {
		t.Fatalf("cli SkippedRuns = %d, want 1", s.SkippedRuns)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("serve Run() err = %v", err)
	}

	res, err := cli.Run(ctx, TriggerCLI)
	if err != nil {
		t.Fatalf("cli Run() after release err = %v", err)
	}
	if res.Delivered != 0 || res.Seen != 1 {
		t.Fatalf("cli RunResult = %+v, want link already delivered", res)
	}
	if fmt.Sprint(sent.links) != "[L1]" {
		t.Fatalf("sends = %v, want [L1]", sent.links)
	}
}

func TestCloseWaitsForActiveRun(t *testing.T) {
	t.Parallel()

	led := newMemLedger()
	sent := &orderDeliverer{}
	gate := &gateDeliverer{entered: make(chan struct{}), release: make(chan struct{}), shared: sent}
	f := fetchFunc(func(context.Context, news.Source) ([]news.Item, error) { return items("x"), nil })
	disp, _ := newTestDispatcher(staticSources{{ID: 1, Name: "s"}}, f, led, gate)

	done := make(chan error, 1)
	go func() {
		_, err := disp.Run(context.Background(), TriggerCommand)
		done <- err
	}()
	<-gate.entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := disp.Close(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() with short deadline err = %v, want DeadlineExceeded", err)
	}
	if _, err := disp.Run(context.Background(), TriggerCommand); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run() after Close err = %v, want ErrClosed", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- disp.Close(context.Background()) }()
	select {
	case err := <-closed:
		t.Fatalf("Close() returned %v before the run finished", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(gate.release)
	if err := <-closed; err != nil {
		t.Fatalf("Close() err = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if ok, _ := led.IsDelivered(context.Background(), "x"); !ok {
		t.Fatalf("item sent but not recorded before Close returned")
	}
	if disp.Running() {
		t.Fatalf("Running() = true after Close")
	}
}
