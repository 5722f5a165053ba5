// Package dispatcher runs the fetch → dedupe → deliver → persist cycle.
//
// One dispatch run walks every active source in registry order. Each source
// is fetched, every item not yet in the ledger is delivered to all
// destinations and then recorded. A failing source is counted and skipped;
// it never aborts the run. Only one run executes at a time: a trigger that
// finds the run slot taken is dropped and counted. Processes sharing one
// database are serialized by a lease row held for the length of the run.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"newsbot/internal/delivery"
	"newsbot/internal/eventbus"
	"newsbot/internal/news"
	"newsbot/internal/stats"
	logx "newsbot/pkg/logx"
)

var (
	// ErrRunInProgress is returned when another dispatch run holds the slot,
	// in this process or in another one sharing the database.
	ErrRunInProgress = errors.New("dispatcher: a run is already in progress")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("dispatcher: closed")
)

const (
	// DefaultItemDelay paces consecutive deliveries within one source.
	DefaultItemDelay = time.Second
	// DefaultLeaseTTL bounds how long a crashed holder blocks other processes.
	// The lease is renewed before every source.
	DefaultLeaseTTL = 10 * time.Minute
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerFixed    Trigger = "fixed"
	TriggerCommand  Trigger = "command"
	TriggerAPI      Trigger = "api"
	TriggerCLI      Trigger = "cli"
)

type Sources interface {
	ListActive(ctx context.Context) ([]news.Source, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, src news.Source) ([]news.Item, error)
}

type Ledger interface {
	IsDelivered(ctx context.Context, link string) (bool, error)
	Record(ctx context.Context, rec news.Record) (inserted bool, err error)
}

type Deliverer interface {
	Deliver(ctx context.Context, src news.Source, it news.Item) delivery.Outcome
}

// Lease is the cross-process run slot. AcquireLease with the current holder
// renews it.
type Lease interface {
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holder string) error
}

// SourceResult is the per-source part of a RunResult.
type SourceResult struct {
	Source    string `json:"source"`
	Fetched   int    `json:"fetched"`
	Delivered int    `json:"delivered"`
	Errors    int    `json:"errors"`
	Err       string `json:"error,omitempty"`
}

type RunResult struct {
	ID         string         `json:"id"`
	Trigger    Trigger        `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Delivered  int            `json:"delivered"`
	Seen       int            `json:"already_delivered"`
	Filtered   int            `json:"filtered"`
	NoLink     int            `json:"no_link"`
	Errors     int            `json:"errors"`
	Sources    []SourceResult `json:"sources"`
}

type Config struct {
	ItemDelay time.Duration
	Filter    Filter
}

type Dispatcher struct {
	sources Sources
	fetcher Fetcher
	ledger  Ledger
	deliver Deliverer
	stats   *stats.Accumulator
	bus     eventbus.Bus
	log     logx.Logger

	itemDelay time.Duration
	filter    atomic.Pointer[Filter]

	lease    Lease
	leaseTTL time.Duration
	holder   string

	mu     sync.Mutex
	active chan struct{} // closed when the current run ends; nil when idle
	closed bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

type Option func(*Dispatcher)

func WithEventBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.bus = b
		}
	}
}

// WithLease serializes runs with every other dispatcher holding the same
// lease store. ttl <= 0 uses DefaultLeaseTTL.
func WithLease(l Lease, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.lease = l
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

func New(cfg Config, src Sources, f Fetcher, l Ledger, dl Deliverer, st *stats.Accumulator, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = stats.New(time.Now())
	}
	delay := cfg.ItemDelay
	if delay < 0 {
		delay = 0
	}
	d := &Dispatcher{
		sources:   src,
		fetcher:   f,
		ledger:    l,
		deliver:   dl,
		stats:     st,
		bus:       eventbus.Nop(),
		log:       log.With(logx.String("comp", "dispatcher")),
		itemDelay: delay,
		leaseTTL:  DefaultLeaseTTL,
		holder:    uuid.NewString(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	d.SetFilter(cfg.Filter)
	return d
}

// SetFilter replaces the keyword filter. Safe while a run is active; the
// running run keeps the filter it started with.
func (d *Dispatcher) SetFilter(f Filter) {
	nf := f.normalized()
	d.filter.Store(&nf)
}

func (d *Dispatcher) Filter() Filter { return *d.filter.Load() }

// Running reports whether a run of this dispatcher holds the slot.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// Close refuses new runs and waits for the active one, if any, to finish.
// It returns ctx.Err() when ctx ends first; the run keeps going.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	done := d.active
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) claim() (chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return nil, ErrClosed
	case d.active != nil:
		return nil, ErrRunInProgress
	}
	d.active = make(chan struct{})
	return d.active, nil
}

func (d *Dispatcher) release(done chan struct{}) {
	d.mu.Lock()
	d.active = nil
	d.mu.Unlock()
	close(done)
}

func (d *Dispatcher) skip(trigger Trigger, where string) {
	d.stats.RecordSkip()
	d.log.Warn("dispatch run skipped", logx.String("trigger", string(trigger)), logx.String("held_by", where))
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDispatchSkipped,
		Time: d.now(),
		Data: map[string]any{"trigger": string(trigger)},
	})
}

// Run executes one dispatch run. It returns ErrRunInProgress without doing
// any work when another run is active here or, with a lease, elsewhere.
func (d *Dispatcher) Run(ctx context.Context, trigger Trigger) (RunResult, error) {
	done, err := d.claim()
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			d.skip(trigger, "process")
		}
		return RunResult{}, err
	}
	defer d.release(done)

	if d.lease != nil {
		ok, err := d.lease.AcquireLease(ctx, d.holder, d.leaseTTL)
		if err != nil {
			d.log.Error("run lease acquire failed", logx.Err(err))
			return RunResult{}, fmt.Errorf("dispatcher: lease: %w", err)
		}
		if !ok {
			d.skip(trigger, "lease")
			return RunResult{}, ErrRunInProgress
		}
		defer func() {
			if err := d.lease.ReleaseLease(context.WithoutCancel(ctx), d.holder); err != nil {
				d.log.Warn("run lease release failed", logx.Err(err))
			}
		}()
	}

	res := RunResult{ID: uuid.NewString(), Trigger: trigger, StartedAt: d.now()}
	log := d.log.With(logx.String("run_id", res.ID), logx.String("trigger", string(trigger)))
	log.Info("dispatch run started")

	filter := d.Filter()
	sources, err := d.sources.ListActive(ctx)
	if err != nil {
		res.Errors++
		log.Error("list active sources failed", logx.Err(err))
	}
	for i, src := range sources {
		if i > 0 && !d.renewLease(ctx, log) {
			res.Errors++
			break
		}
		sr := d.runSource(ctx, log, src, filter, &res)
		res.Sources = append(res.Sources, sr)
		res.Delivered += sr.Delivered
		res.Errors += sr.Errors
	}

	res.FinishedAt = d.now()
	d.stats.RecordRun(res.Delivered, res.Errors, res.FinishedAt)

	log.Info("dispatch run finished",
		logx.Int("sources", len(sources)),
		logx.Int("delivered", res.Delivered),
		logx.Int("already_delivered", res.Seen),
		logx.Int("filtered", res.Filtered),
		logx.Int("errors", res.Errors),
		logx.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchRun, Time: res.FinishedAt, Data: res})
	return res, nil
}

// renewLease extends the lease before the next source. A lost lease ends the
// run: another process may already be delivering.
func (d *Dispatcher) renewLease(ctx context.Context, log logx.Logger) bool {
	if d.lease == nil {
		return true
	}
	ok, err := d.lease.AcquireLease(ctx, d.holder, d.leaseTTL)
	if err != nil || !ok {
		log.Error("run lease lost; stopping run", logx.Bool("held_elsewhere", err == nil), logx.Err(err))
		return false
	}
	return true
}

func (d *Dispatcher) runSource(ctx context.Context, log logx.Logger, src news.Source, filter Filter, res *RunResult) SourceResult {
	sr := SourceResult{Source: src.Name}
	log = log.With(logx.String("source", src.Name), logx.String("kind", string(src.Kind)))

	items, err := d.fetcher.Fetch(ctx, src)
	if err != nil {
		sr.Errors++
		sr.Err = err.Error()
		log.Warn("fetch failed", logx.Err(err))
		return sr
	}
	sr.Fetched = len(items)

	deliveredAny := false
	for _, it := range items {
		if it.Link == "" {
			res.NoLink++
			log.Debug("item without link skipped", logx.String("title", it.Title))
			continue
		}
		if !filter.Allow(it) {
			res.Filtered++
			continue
		}

		seen, err := d.ledger.IsDelivered(ctx, it.Link)
		if err != nil {
			sr.Errors++
			log.Error("ledger lookup failed", logx.String("link", it.Link), logx.Err(err))
			continue
		}
		if seen {
			res.Seen++
			continue
		}

		if deliveredAny && d.itemDelay > 0 {
			d.sleep(ctx, d.itemDelay)
		}
		deliveredAny = true

		out := d.deliver.Deliver(ctx, src, it)
		sr.Errors += out.Failed

		inserted, err := d.ledger.Record(ctx, news.Record{
			SourceID:    src.ID,
			Title:       it.Title,
			Link:        it.Link,
			PublishedAt: it.PublishedAt,
			DeliveredAt: d.now(),
		})
		if err != nil {
			sr.Errors++
			log.Error("ledger record failed", logx.String("link", it.Link), logx.Err(err))
			continue
		}
		if !inserted {
			log.Debug("link recorded concurrently", logx.String("link", it.Link))
		}
		sr.Delivered++
	}
	return sr
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
