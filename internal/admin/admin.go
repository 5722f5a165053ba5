// Package admin holds the administrative operations shared by every
// operator surface (Telegram commands, HTTP API, CLI). Each mutating
// operation is written to the audit log.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"newsbot/internal/dispatcher"
	"newsbot/internal/eventbus"
	"newsbot/internal/news"
	"newsbot/internal/registry"
	"newsbot/internal/stats"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
	"newsbot/pkg/tgui"
)

const (
	SurfaceTelegram = "telegram"
	SurfaceHTTP     = "http"
	SurfaceCLI      = "cli"
	SurfaceSchedule = "schedule"
)

// Actor identifies who asked for an operation.
type Actor struct {
	ID       int64
	Username string
	Surface  string
}

type Registry interface {
	Add(ctx context.Context, name, url string, kind news.Kind) (news.Source, error)
	Deactivate(ctx context.Context, name string) error
	ListActive(ctx context.Context) ([]news.Source, error)
	List(ctx context.Context) ([]news.Source, error)
	CountActive(ctx context.Context) (int, error)
}

type Dispatcher interface {
	Run(ctx context.Context, trigger dispatcher.Trigger) (dispatcher.RunResult, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// MaxAuditLimit caps how many audit entries one query returns.
const MaxAuditLimit = 100

// StatsView is the on-demand statistics answer.
type StatsView struct {
	stats.RunStats
	ActiveSources int           `json:"active_sources"`
	Uptime        time.Duration `json:"uptime_ns"`
	UptimeText    string        `json:"uptime"`
}

type Service struct {
	reg   Registry
	disp  Dispatcher
	stats *stats.Accumulator
	audit Auditor
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(reg Registry, disp Dispatcher, st *stats.Accumulator, audit Auditor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if st == nil {
		st = stats.New(time.Now())
	}
	return &Service{
		reg:   reg,
		disp:  disp,
		stats: st,
		audit: audit,
		bus:   bus,
		log:   log.With(logx.String("comp", "admin")),
		now:   time.Now,
	}
}

// ParseKind accepts a kind name or its menu number (1 rss, 2 zen, 3 twitter).
// Blank means rss.
func ParseKind(s string) (news.Kind, bool) {
	switch strings.TrimSpace(s) {
	case "":
		return news.KindRSS, true
	case "1":
		return news.KindRSS, true
	case "2":
		return news.KindZen, true
	case "3":
		return news.KindTwitter, true
	}
	return news.ParseKind(s)
}

func (s *Service) AddSource(ctx context.Context, a Actor, name, url, kind string) (src news.Source, err error) {
	defer func() { s.record(ctx, a, "source.add", strings.TrimSpace(name), err) }()

	k, ok := ParseKind(kind)
	if !ok {
		return news.Source{}, registry.ErrInvalidKind
	}
	src, err = s.reg.Add(ctx, name, url, k)
	if err != nil {
		return news.Source{}, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceAdded, Time: s.now(), Data: src})
	return src, nil
}

func (s *Service) RemoveSource(ctx context.Context, a Actor, name string) (err error) {
	name = strings.TrimSpace(name)
	defer func() { s.record(ctx, a, "source.remove", name, err) }()

	if name == "" {
		return registry.ErrMissingField
	}
	if err = s.reg.Deactivate(ctx, name); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceRemoved, Time: s.now(), Data: name})
	return nil
}

// Sources lists active sources, or every source when all is set.
func (s *Service) Sources(ctx context.Context, all bool) ([]news.Source, error) {
	if all {
		return s.reg.List(ctx)
	}
	return s.reg.ListActive(ctx)
}

// Fetch runs one dispatch run. The run is detached from ctx cancelation.
func (s *Service) Fetch(ctx context.Context, a Actor, trigger dispatcher.Trigger) (res dispatcher.RunResult, err error) {
	defer func() { s.record(ctx, a, "dispatch.run", string(trigger), err) }()
	return s.disp.Run(context.WithoutCancel(ctx), trigger)
}

func (s *Service) Stats(ctx context.Context) (StatsView, error) {
	snap := s.stats.Snapshot()
	n, err := s.reg.CountActive(ctx)
	if err != nil {
		return StatsView{}, err
	}
	up := snap.Uptime(s.now())
	return StatsView{
		RunStats:      snap,
		ActiveSources: n,
		Uptime:        up,
		UptimeText:    up.Truncate(time.Second).String(),
	}, nil
}

// Report renders the statistics report message.
func (s *Service) Report(ctx context.Context) (tgui.Message, error) {
	n, err := s.reg.CountActive(ctx)
	if err != nil {
		return tgui.Message{}, err
	}
	return stats.Report(s.stats.Snapshot(), n, s.now()), nil
}

func (s *Service) record(ctx context.Context, a Actor, action, target string, err error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            s.now(),
		ActorID:       a.ID,
		ActorUsername: a.Username,
		Surface:       a.Surface,
		Action:        action,
		Target:        target,
		OK:            err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		s.log.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}

// Audit returns the latest operator actions, newest first. limit <= 0 means
// 20; larger values are capped at MaxAuditLimit.
func (s *Service) Audit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if s.audit == nil {
		return nil, storage.ErrDisabled
	}
	return s.audit.RecentAudit(ctx, min(limit, MaxAuditLimit))
}

// Reason maps an operation error to a short operator-facing reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrAlreadyExists):
		return "a source with this name or url already exists"
	case errors.Is(err, registry.ErrInvalidKind):
		return "invalid kind (use rss, zen or twitter)"
	case errors.Is(err, registry.ErrInvalidHandle):
		return "invalid twitter handle"
	case errors.Is(err, registry.ErrMissingField):
		return "name and url are required"
	case errors.Is(err, registry.ErrNotFound):
		return "source not found"
	case errors.Is(err, dispatcher.ErrRunInProgress):
		return "a run is already in progress"
	case errors.Is(err, dispatcher.ErrClosed):
		return "the bot is shutting down"
	case errors.Is(err, storage.ErrDisabled):
		return "audit log is not available"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return "internal error"
}
