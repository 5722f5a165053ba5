package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Fetch     FetchConfig     `json:"fetch"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	// Token may be left empty when NEWSBOT_TELEGRAM_TOKEN is set.
	Token        string        `json:"token"`
	OwnerUserIDs []int64       `json:"owner_user_ids"`
	Destinations []Destination `json:"destinations"`

	// ReportChat receives the weekly report. 0 means every owner.
	ReportChat int64 `json:"report_chat,omitempty"`
	// GroupLog is the chat used by the Telegram log sink.
	GroupLog    int64  `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// Destination is a chat (and optional forum topic) that receives delivered items.
type Destination struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the SQLite database.
//
//	"storage": { "path": "./newsbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FetchConfig controls how sources are pulled.
//
// Defaults:
//   - timeout: "30s"
//   - zen_timeout: "10s"
//   - twitter_proxy: "https://nitter.net"
//   - max_items: 10 (at most 10)
type FetchConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	ZenTimeout   string `json:"zen_timeout,omitempty"`
	TwitterProxy string `json:"twitter_proxy,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	MaxItems     int    `json:"max_items,omitempty"`
}

// DispatchConfig controls delivery pacing and filtering.
//
// ItemDelay is the pause between consecutive deliveries within one source
// (default "1s", allowed 500ms to 1s). SendRatePerSec caps sends across all destinations (default 20).
type DispatchConfig struct {
	ItemDelay       string   `json:"item_delay,omitempty"`
	SendRatePerSec  int      `json:"send_rate_per_sec,omitempty"`
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
}

// SchedulerConfig holds the timer specs (5-field cron, optional seconds field).
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	IntervalSpec string `json:"interval_spec,omitempty"`
	FixedSpec    string `json:"fixed_spec,omitempty"`
	ReportSpec   string `json:"report_spec,omitempty"`
}

// HTTPConfig controls the admin HTTP API.
//
// Prefer binding to localhost. Token is an optional bearer token (never logged).
// Pprof mounts /debug/pprof behind the same token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
