package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsbot/pkg/logx"
)

// Sections that take effect without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"dispatch": true,
}

// SummarizeChange returns the changed top-level sections, safe log attrs
// (never secrets) and the subset of sections that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	// Never compare or log the token value itself.
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := oldTG.Token != newTG.Token
	oldTG.Token, newTG.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oldTG, newTG) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.owner_count", len(newTG.OwnerUserIDs)),
			logx.Int("telegram.destination_count", len(newTG.Destinations)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs, logx.String("fetch.twitter_proxy", newCfg.Fetch.TwitterProxy))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.include_count", len(newCfg.Dispatch.IncludeKeywords)),
			logx.Int("dispatch.exclude_count", len(newCfg.Dispatch.ExcludeKeywords)),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	oldHTTP, newHTTP := oldCfg.HTTP, newCfg.HTTP
	oldHTTP.Token, newHTTP.Token = "", ""
	if oldHTTP != newHTTP || (oldCfg.HTTP.Token == "") != (newCfg.HTTP.Token == "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
