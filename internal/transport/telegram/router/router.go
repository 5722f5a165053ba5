// Package router turns Telegram messages into operator commands.
//
// Messages starting with "/" are tokenized, matched against the command
// table (by name or alias), access-checked and then executed on a bounded
// worker pool behind the middleware chain.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsbot/internal/admin"
	"newsbot/internal/runtime/supervisor"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
	"newsbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const (
	textUnknown      = "unknown command. try /help"
	textUnauthorized = "❌ You are not an administrator"
	textBusy         = "busy, try again"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	RawArgs      []string
	Flags        map[string]string
	BoolFlags    map[string]bool
	ReqID        string

	Out    kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Out.SendText(ctx, r.Chat, text, opt)
}

func (r *Request) ReplyMsg(ctx context.Context, m tgui.Message) (kit.MessageRef, error) {
	return m.Send(ctx, r.Out, r.Chat)
}

// Actor identifies the sender for audit purposes.
func (r *Request) Actor() admin.Actor {
	return admin.Actor{ID: r.FromID, Username: r.FromUsername, Surface: admin.SurfaceTelegram}
}

type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	alias  map[string]string
	owners []int64

	log logx.Logger
	out kit.Sender

	jobs    chan func()
	workers int
}

func NewManager(log logx.Logger, out kit.Sender, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}
	return &Manager{
		cmds:    map[string]Command{},
		alias:   map[string]string{},
		owners:  append([]int64(nil), owners...),
		log:     log.With(logx.String("comp", "telegram.router")),
		out:     out,
		jobs:    make(chan func(), 64),
		workers: workers,
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the command table. A help command is always added.
func (m *Manager) SetCommands(cmds []Command) {
	table := map[string]Command{}
	alias := map[string]string{}
	all := append(append([]Command(nil), cmds...), m.helpCommand())
	for _, c := range all {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = name
			}
		}
	}
	m.mu.Lock()
	m.cmds = table
	m.alias = alias
	m.mu.Unlock()
}

// Commands returns the command table sorted by name.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateMenu pushes the command list to the Telegram /menu when the sender supports it.
func (m *Manager) UpdateMenu(ctx context.Context) error {
	up, ok := m.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, buildMenuCommands(m.Commands()))
}

func (m *Manager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	if name, ok := m.alias[word]; ok {
		c, ok := m.cmds[name]
		return c, ok
	}
	return Command{}, false
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Commands run on a supervised worker pool.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(false))
	jobs := m.jobs

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					m.runJob(idx, job)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job, ok := m.prepare(ctx, up)
			if !ok {
				continue
			}
			select {
			case jobs <- job:
			default:
				msg := up.Message
				_, _ = m.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, textBusy, nil)
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Handle routes and executes one update on the calling goroutine.
func (m *Manager) Handle(ctx context.Context, up kit.Update) {
	if job, ok := m.prepare(ctx, up); ok {
		job()
	}
}

// prepare parses and authorizes an update. Rejections are answered inline;
// ok=false means there is nothing left to run.
func (m *Manager) prepare(ctx context.Context, up kit.Update) (func(), bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, false
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil, false
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(commandWord(parts[0]))
	if !ok {
		_, _ = m.out.SendText(ctx, chat, textUnknown, nil)
		return nil, false
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = m.out.SendText(ctx, chat, textUnauthorized, nil)
		return nil, false
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Chat:         chat,
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         pos,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Out:          m.out,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		Recover(),
		LogOutcome(),
		ReplyOnError(admin.Reason),
		Deadline(cmd.Timeout),
	)
	return func() { _ = final(ctx, req) }, true
}
