package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

const (
	// textLimit stays under Telegram's 4096 so HTML entities have headroom.
	textLimit = 4000
	// maxFloodWait caps how long one send waits out a 429 before failing.
	maxFloodWait = 30 * time.Second
)

// SendText sends text, split into chunks when it is too long. The returned
// ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	chunks := splitText(text, textLimit, opt.ParseMode)

	var first kit.MessageRef
	for i, chunk := range chunks {
		// The button goes under the last chunk.
		so := sendOptions(to, opt, i == len(chunks)-1)
		msg, err := a.withFloodWait(ctx, func() (*tele.Message, error) { return a.bot.Send(chat, chunk, so) })
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the message text; overflow chunks are sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	to := kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	chunks := splitText(text, textLimit, opt.ParseMode)
	orig := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}

	so := sendOptions(to, opt, len(chunks) == 1)
	if _, err := a.withFloodWait(ctx, func() (*tele.Message, error) { return a.bot.Edit(orig, chunks[0], so) }); err != nil {
		return err
	}
	if len(chunks) == 1 {
		return nil
	}
	_, err := a.SendText(ctx, to, strings.Join(chunks[1:], "\n"), opt)
	return err
}

// withFloodWait runs call, and once more after the delay Telegram asks for
// when it answers 429.
func (a *Adapter) withFloodWait(ctx context.Context, call func() (*tele.Message, error)) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := call()
	wait, ok := floodDelay(err)
	if !ok {
		return msg, err
	}
	a.log.Warn("telegram flood limit, waiting", logx.Duration("retry_after", wait))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return call()
}

// floodDelay reports the retry delay of a 429 answer within maxFloodWait.
func floodDelay(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if !errors.As(err, &fe) {
		return 0, false
	}
	d := time.Duration(max(fe.RetryAfter, 1)) * time.Second
	if d > maxFloodWait {
		return 0, false
	}
	return d, true
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withButton bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if withButton && opt.LinkButton != nil && opt.LinkButton.URL != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(opt.LinkButton.Text, opt.LinkButton.URL)))
		so.ReplyMarkup = rm
	}
	return so
}

// splitText cuts s into chunks of at most limit runes. A cut prefers the
// last newline in the final two thirds of the window; in HTML mode it never
// lands inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var out []string
	for len(rs) > 0 {
		if len(rs) <= limit {
			out = append(out, string(rs))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/3; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		if html {
			if open := openTagAt(rs[:cut]); open > 1 {
				cut = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// openTagAt returns the index of a '<' left unclosed at the end of rs, or -1.
func openTagAt(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case '>':
			return -1
		case '<':
			return i
		}
	}
	return -1
}
