package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "newsbot/internal/transport"
	"newsbot/pkg/tgui"
)

const (
	alertQueue        = 256
	alertSendTimeout  = 10 * time.Second
	alertDrainTimeout = 3 * time.Second
	alertMaxRunes     = 3500
	alertValueRunes   = 300
)

type alert struct {
	to  kit.ChatTarget
	msg tgui.Message
}

// alertSink is a zerolog writer that forwards lines at or above a level to a
// Telegram chat. Writes never block: over the rate limit or with a full
// queue the alert is dropped.
type alertSink struct {
	sender kit.Sender
	queue  chan alert

	mu      sync.Mutex
	to      kit.ChatTarget
	floor   zerolog.Level
	limiter *rate.Limiter

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newAlertSink(sender kit.Sender) *alertSink {
	a := &alertSink{
		sender: sender,
		queue:  make(chan alert, alertQueue),
		floor:  zerolog.WarnLevel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *alertSink) configure(cfg TelegramConfig) {
	perSec := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	a.floor = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	a.mu.Unlock()
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	to, floor, lim := a.to, a.floor, a.limiter
	a.mu.Unlock()

	if to.ChatID == 0 || level < floor || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	select {
	case <-a.stop:
	case a.queue <- alert{to: to, msg: renderAlert(p)}:
	default:
	}
	return len(p), nil
}

func (a *alertSink) run() {
	defer close(a.done)
	for {
		select {
		case it := <-a.queue:
			a.send(context.Background(), it)
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain sends what is already queued, bounded by alertDrainTimeout.
func (a *alertSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), alertDrainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case it := <-a.queue:
			a.send(ctx, it)
		default:
			return
		}
	}
}

func (a *alertSink) send(ctx context.Context, it alert) {
	ctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
	defer cancel()
	_, _ = it.msg.Send(ctx, a.sender, it.to)
}

func (a *alertSink) close() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

var alertIcons = map[string]string{"warn": "⚠️", "error": "🛑", "fatal": "🛑", "panic": "🛑"}

// renderAlert turns one JSON log line into an HTML message: a header with
// level and component, the message, then the remaining keys in order.
func renderAlert(p []byte) tgui.Message {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return tgui.New().Line(tgui.TruncRunes(raw, alertMaxRunes)).Build()
	}

	level, _ := m["level"].(string)
	icon, ok := alertIcons[level]
	if !ok {
		icon = "ℹ️"
	}
	title := strings.ToUpper(level)
	if comp, _ := m["comp"].(string); comp != "" {
		title += " · " + comp
	}
	b := tgui.New().Title(icon, title)
	if msg, _ := m["message"].(string); msg != "" {
		b.Line(msg)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.KV(k, tgui.TruncRunes(fmt.Sprint(m[k]), alertValueRunes))
	}
	return b.Build()
}
