package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsbot/internal/admin"
	"newsbot/internal/dispatcher"
	"newsbot/internal/news"
	"newsbot/internal/storage"
	kit "newsbot/internal/transport"
	"newsbot/pkg/tgui"
)

// AdminCommands builds the operator command table on top of svc.
func AdminCommands(svc *admin.Service) []Command {
	h := handlers{svc: svc}
	return []Command{
		{
			Name:        "start",
			Description: "greeting",
			Access:      AccessEveryone,
			Handle:      h.start,
		},
		{
			Name:        "add_source",
			Aliases:     []string{"add"},
			Description: "add a news source",
			Usage:       "/add_source <name> <url|handle> [rss|zen|twitter]",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.addSource,
		},
		{
			Name:        "remove_source",
			Aliases:     []string{"rm"},
			Description: "deactivate a source",
			Usage:       "/remove_source <name>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.removeSource,
		},
		{
			Name:        "sources",
			Aliases:     []string{"list"},
			Description: "list active sources",
			Usage:       "/sources [--all]",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      h.sources,
		},
		{
			Name:        "fetch",
			Description: "fetch and publish news now",
			Usage:       "/fetch",
			Access:      AccessOwnerOnly,
			Handle:      h.fetch,
		},
		{
			Name:        "stats",
			Description: "bot statistics",
			Usage:       "/stats",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.stats,
		},
		{
			Name:        "audit",
			Description: "recent admin actions",
			Usage:       "/audit [count]",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.audit,
		},
	}
}

type handlers struct {
	svc *admin.Service
}

func (h handlers) start(ctx context.Context, req *Request) error {
	_, err := req.Reply(ctx, "👋 Hi! I publish news from the configured sources.\n\nUse /help for the command list.", nil)
	return err
}

func (h handlers) addSource(ctx context.Context, req *Request) error {
	args := req.Args
	if len(args) < 2 || len(args) > 3 {
		return replyUsage(ctx, req, "/add_source <name> <url|handle> [rss|zen|twitter]")
	}
	kind := req.Flags["kind"]
	if len(args) == 3 {
		kind = args[2]
	}
	src, err := h.svc.AddSource(ctx, req.Actor(), args[0], args[1], kind)
	if err != nil {
		return err
	}
	_, err = req.ReplyMsg(ctx, tgui.New().
		HTML(tgui.H("✅ Source "+tgui.B(src.Name).String()+" added")).
		KV("Kind", string(src.Kind)).
		KV("URL", src.URL).
		Build())
	return err
}

func (h handlers) removeSource(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		list, err := h.svc.Sources(ctx, false)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			_, err = req.Reply(ctx, "📭 No active sources", nil)
			return err
		}
		b := tgui.New().Title("🗑", "Choose a source to remove")
		for i, s := range list {
			b.Line(fmt.Sprintf("%d. %s (%s)", i+1, s.Name, s.Kind))
		}
		b.Blank().HTML(tgui.H("Send " + tgui.Code("/remove_source <name>").String()))
		_, err = req.ReplyMsg(ctx, b.Build())
		return err
	}

	name := strings.Join(req.Args, " ")
	if err := h.svc.RemoveSource(ctx, req.Actor(), name); err != nil {
		return err
	}
	_, err := req.ReplyMsg(ctx, tgui.New().HTML(tgui.H("✅ Source "+tgui.B(name).String()+" removed")).Build())
	return err
}

func (h handlers) sources(ctx context.Context, req *Request) error {
	all := req.BoolFlags["all"]
	list, err := h.svc.Sources(ctx, all)
	if err != nil {
		return err
	}
	_, err = req.ReplyMsg(ctx, renderSources(list, all))
	return err
}

func renderSources(list []news.Source, all bool) tgui.Message {
	if len(list) == 0 {
		return tgui.New().Line("📭 No active sources").Build()
	}
	title := "Active sources"
	if all {
		title = "All sources"
	}
	b := tgui.New().Title("📋", title).Blank()
	for _, s := range list {
		line := tgui.JoinH(" ", tgui.H("•"), tgui.B(s.Name), tgui.Code(string(s.Kind)))
		if !s.Active {
			line = tgui.JoinH(" ", line, tgui.I("(inactive)"))
		}
		b.HTML(line)
		b.HTML(tgui.H("  " + tgui.Esc(s.URL).String()))
	}
	return b.Build()
}

// editor is implemented by transports that can edit a sent message.
type editor interface {
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

func (h handlers) fetch(ctx context.Context, req *Request) error {
	status, serr := req.Reply(ctx, "⏳ Fetching news...", nil)

	res, err := h.svc.Fetch(ctx, req.Actor(), dispatcher.TriggerCommand)
	var text string
	switch {
	case errors.Is(err, dispatcher.ErrRunInProgress):
		text = "⏳ A run is already in progress"
	case err != nil:
		return err
	default:
		text = fmt.Sprintf("✅ Published: %d", res.Delivered)
		if res.Errors > 0 {
			text += fmt.Sprintf(" (errors: %d)", res.Errors)
		}
	}

	if ed, ok := req.Out.(editor); ok && serr == nil {
		if err := ed.EditText(ctx, status, text, nil); err == nil {
			return nil
		}
	}
	_, err = req.Reply(ctx, text, nil)
	return err
}

func (h handlers) stats(ctx context.Context, req *Request) error {
	m, err := h.svc.Report(ctx)
	if err != nil {
		return err
	}
	_, err = req.ReplyMsg(ctx, m)
	return err
}

func (h handlers) audit(ctx context.Context, req *Request) error {
	limit := 10
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return replyUsage(ctx, req, "/audit [count]")
		}
		limit = n
	}
	entries, err := h.svc.Audit(ctx, limit)
	if err != nil {
		return err
	}
	_, err = req.ReplyMsg(ctx, renderAudit(entries))
	return err
}

func renderAudit(entries []storage.AuditEntry) tgui.Message {
	if len(entries) == 0 {
		return tgui.New().Line("📭 No admin actions yet").Build()
	}
	b := tgui.New().Title("🧾", "Recent admin actions").Blank()
	for _, e := range entries {
		mark := "✅"
		if !e.OK {
			mark = "❌"
		}
		who := e.ActorUsername
		if who == "" {
			who = strconv.FormatInt(e.ActorID, 10)
		}
		line := tgui.JoinH(" ",
			tgui.H(mark),
			tgui.Code(e.At.Local().Format("01-02 15:04")),
			tgui.B(e.Action),
			tgui.Esc(e.Target),
			tgui.I(e.Surface+"/"+who),
		)
		b.HTML(line)
		if e.Error != "" {
			b.HTML(tgui.H("  " + tgui.Esc(tgui.TruncRunes(e.Error, 120)).String()))
		}
	}
	return b.Build()
}

func replyUsage(ctx context.Context, req *Request, usage string) error {
	_, err := req.ReplyMsg(ctx, tgui.New().HTML(tgui.H("Usage: "+tgui.Code(usage).String())).Build())
	return err
}

// helpCommand lists the command table and the supported source kinds.
func (m *Manager) helpCommand() Command {
	return Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.ReplyMsg(ctx, m.helpMessage(m.isOwner(req.FromID)))
			return err
		},
	}
}

func (m *Manager) helpMessage(owner bool) tgui.Message {
	b := tgui.New().Title("📋", "Commands").Blank()
	for _, c := range m.Commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := tgui.JoinH(" - ", tgui.Code(usage), tgui.Esc(c.Description))
		if c.Access == AccessOwnerOnly {
			line = tgui.H("🔒 " + line.String())
		}
		b.HTML(line)
	}
	b.Blank().Title("📝", "Source kinds").Bullets(
		"rss - RSS feed",
		"zen - Yandex Zen",
		"twitter - X/Twitter handle (via RSS proxy)",
	)
	return b.Build()
}
