// Package scheduler fires named jobs on cron specs.
//
// Timers are identified by name; registering an existing name replaces the
// previous timer. Start registers every definition with cron and activates
// it, Stop halts future firings and waits for in-flight jobs. Jobs receive a
// context that is never canceled by Stop, so a started job always completes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "newsbot/pkg/logx"
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

var ErrNameRequired = errors.New("scheduler: name required")

// Parser accepts 5-field and 6-field (with seconds) specs plus descriptors like @weekly.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	// Location for spec evaluation; nil means time.Local.
	Location *time.Location
}

type timerDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID

	mu      sync.Mutex
	runs    uint64
	lastErr string
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	loc  *time.Location
	c    *cron.Cron
	defs map[string]*timerDef
	base context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:  log.With(logx.String("comp", "scheduler")),
		loc:  loc,
		defs: map[string]*timerDef{},
		base: context.Background(),
	}
}

// Register upserts the timer called name. When the scheduler is running the
// new definition is active immediately.
func (s *Service) Register(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" {
		return ErrNameRequired
	}
	if job == nil {
		return fmt.Errorf("scheduler: %s: job required", name)
	}
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil && old.entryID != 0 {
		s.c.Remove(old.entryID)
	}
	d := &timerDef{name: name, spec: spec, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
		s.log.Debug("timer registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return nil
}

// Remove deletes the timer called name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Running reports whether Start was called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start activates every registered timer. Calling Start on a running
// scheduler is a no-op. Jobs run on a context derived from ctx without its
// cancelation.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = context.WithoutCancel(ctx)
	s.c = cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for _, d := range s.sortedLocked() {
		if err := s.addLocked(d); err != nil {
			s.log.Error("timer register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("timers", len(s.defs)))
}

// Stop halts future firings and waits for in-flight jobs, bounded by ctx.
// Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running", logx.Duration("took", time.Since(start)))
		return ctx.Err()
	}
}

func (s *Service) addLocked(d *timerDef) error {
	base := s.base
	id, err := s.c.AddFunc(d.spec, func() { s.fire(base, d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) fire(ctx context.Context, d *timerDef) {
	start := time.Now()
	err := d.job(ctx)

	d.mu.Lock()
	d.runs++
	if err != nil {
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Warn("timer job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("timer job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) sortedLocked() []*timerDef {
	out := make([]*timerDef, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// cronLogger routes cron's internal logging (panics caught by Recover) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
