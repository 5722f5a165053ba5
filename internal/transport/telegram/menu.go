package telegram

import (
	"context"
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// maxDescription is the Bot API limit for a menu entry description.
const maxDescription = 256

// UpdateMenuCommands publishes the command menu (setMyCommands). An
// unchanged list is not sent again.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, cmds) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	menu := menuCommands(cmds)
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menu = slices.Clone(cmds)
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := []rune(c.Description)
		if len(d) == 0 {
			d = []rune(c.Command)
		}
		if len(d) > maxDescription {
			d = d[:maxDescription]
		}
		out = append(out, tele.Command{Text: c.Command, Description: string(d)})
	}
	return out
}
