package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "newsbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors WARN/ERROR lines into the operator log chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogPath = "./newsbot.log"

// Service owns the log outputs. Apply swaps them at runtime, e.g. after
// a config reload, and every Logger it handed out follows.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	alerts *alertSink
}

// New applies cfg and returns the service with its root Logger. A nil
// sender keeps Telegram alerts off whatever cfg says.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.alerts = newAlertSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the outputs from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := orDefault(strings.TrimSpace(cfg.File.Path), defaultLogPath)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if s.alerts != nil {
		s.alerts.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			outs = append(outs, s.alerts)
			if cfg.Telegram.ChatID == 0 {
				fmt.Fprintln(os.Stderr, "logx: telegram alerts enabled without telegram.group_log")
			}
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := build(zerolog.MultiLevelWriter(outs...), cfg.Level)
	s.root.Store(&zl)
}

// Close flushes pending alerts and closes the log file. Later alerts and
// file output are dropped.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.alerts != nil {
		s.alerts.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}
