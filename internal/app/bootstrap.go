package app

import (
	"newsbot/internal/config"
	"newsbot/internal/delivery"
	"newsbot/internal/dispatcher"
	"newsbot/internal/fetcher"
	"newsbot/internal/storage"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// ---- Config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: d.BusyTimeout}
}

func mapFetcherConfig(cfg *config.Config, d config.Durations) fetcher.Config {
	return fetcher.Config{
		Timeout:      d.FetchTimeout,
		ZenTimeout:   d.ZenTimeout,
		TwitterProxy: cfg.Fetch.TwitterProxy,
		UserAgent:    cfg.Fetch.UserAgent,
		MaxItems:     cfg.Fetch.MaxItems,
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	dests := make([]kit.ChatTarget, 0, len(cfg.Telegram.Destinations))
	for _, d := range cfg.Telegram.Destinations {
		dests = append(dests, kit.ChatTarget{ChatID: d.ChatID, ThreadID: d.ThreadID})
	}
	return delivery.Config{Destinations: dests, RatePerSec: cfg.Dispatch.SendRatePerSec}
}

func mapFilter(cfg *config.Config) dispatcher.Filter {
	return dispatcher.Filter{
		Include: append([]string(nil), cfg.Dispatch.IncludeKeywords...),
		Exclude: append([]string(nil), cfg.Dispatch.ExcludeKeywords...),
	}
}

// reportTargets is where the weekly report goes: report_chat, or every owner's
// private chat when unset.
func reportTargets(cfg *config.Config) []kit.ChatTarget {
	if cfg.Telegram.ReportChat != 0 {
		return []kit.ChatTarget{{ChatID: cfg.Telegram.ReportChat}}
	}
	out := make([]kit.ChatTarget, 0, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		out = append(out, kit.ChatTarget{ChatID: id})
	}
	return out
}
