// Package delivery renders an item and fans it out to every configured
// destination. A failed destination never blocks the others.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/news"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
	"newsbot/pkg/tgui"
)

const (
	ButtonText   = "Open source"
	ReadMoreText = "Read more"

	// DefaultRatePerSec stays under Telegram's global bot limit (~30 msg/s).
	DefaultRatePerSec  = 20
	defaultSendTimeout = 15 * time.Second
)

// DeliveryError is a failed send to one destination.
type DeliveryError struct {
	Destination kit.ChatTarget
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.Destination.ThreadID > 0 {
		return fmt.Sprintf("deliver to %d/%d: %v", e.Destination.ChatID, e.Destination.ThreadID, e.Err)
	}
	return fmt.Sprintf("deliver to %d: %v", e.Destination.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Outcome summarizes one fan-out. Sent+Failed equals the destination count.
type Outcome struct {
	Sent   int
	Failed int
	Errors []*DeliveryError
}

type Config struct {
	Destinations []kit.ChatTarget
	RatePerSec   int
	SendTimeout  time.Duration
}

type Deliverer struct {
	sender  kit.Sender
	dests   []kit.ChatTarget
	limiter *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = DefaultRatePerSec
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	dests := make([]kit.ChatTarget, len(cfg.Destinations))
	copy(dests, cfg.Destinations)
	return &Deliverer{
		sender:  sender,
		dests:   dests,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		timeout: timeout,
		log:     log.With(logx.String("comp", "delivery")),
	}
}

// Destinations returns a copy of the configured destinations.
func (d *Deliverer) Destinations() []kit.ChatTarget {
	out := make([]kit.ChatTarget, len(d.dests))
	copy(out, d.dests)
	return out
}

// Render builds the fixed message shape for it.
func Render(src news.Source, it news.Item) tgui.Message {
	b := tgui.New().Title("📰", it.Title).Blank()
	if origin := strings.TrimSpace(it.OriginLabel); origin != "" {
		b.HTML(tgui.H("ℹ️ Origin: " + tgui.Esc(origin).String()))
	}
	b.HTML(tgui.H("🏷 Source: " + tgui.Esc(src.Name).String()))
	if s := strings.TrimSpace(it.Summary); s != "" {
		b.Blank().Line(s)
	}
	if it.Link != "" {
		b.Blank().HTML(tgui.H("🔗 " + tgui.Link(ReadMoreText, it.Link).String()))
		b.Button(ButtonText, it.Link)
	}
	return b.Build()
}

// Deliver sends it to every destination, in configured order.
func (d *Deliverer) Deliver(ctx context.Context, src news.Source, it news.Item) Outcome {
	msg := Render(src, it)
	var out Outcome
	for _, to := range d.dests {
		if err := d.send(ctx, to, msg); err != nil {
			out.Failed++
			de := &DeliveryError{Destination: to, Err: err}
			out.Errors = append(out.Errors, de)
			d.log.Warn("delivery failed",
				logx.Int64("chat_id", to.ChatID),
				logx.Int("thread_id", to.ThreadID),
				logx.String("source", src.Name),
				logx.String("link", it.Link),
				logx.Err(err),
			)
			continue
		}
		out.Sent++
	}
	return out
}

func (d *Deliverer) send(ctx context.Context, to kit.ChatTarget, msg tgui.Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := msg.Send(sctx, d.sender, to)
	return err
}
