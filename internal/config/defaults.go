package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "NEWSBOT_TELEGRAM_TOKEN"

const (
	DefaultStoragePath   = "./newsbot.db"
	DefaultTwitterProxy  = "https://nitter.net"
	DefaultMaxItems      = 10
	DefaultIntervalSpec  = "*/30 * * * *"
	DefaultFixedSpec     = "0 9,13,18 * * *"
	DefaultReportSpec    = "0 10 * * 1"
	DefaultHTTPAddr      = "127.0.0.1:8080"
	DefaultSendRate      = 20
	DefaultFetchTimeout  = 30 * time.Second
	DefaultZenTimeout    = 10 * time.Second
	DefaultItemDelay     = time.Second
	DefaultPollTimeout   = 10 * time.Second
	DefaultBusyTimeout   = 5 * time.Second
	DefaultLogLevel      = "info"
	DefaultUserAgent     = "newsbot/1.0"
	DefaultTimezoneLabel = "Local"
)

// ApplyDefaults fills omitted fields in place and applies environment overrides.
func (c *Config) ApplyDefaults() {
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		c.Telegram.Token = tok
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Fetch.TwitterProxy) == "" {
		c.Fetch.TwitterProxy = DefaultTwitterProxy
	}
	c.Fetch.TwitterProxy = strings.TrimRight(strings.TrimSpace(c.Fetch.TwitterProxy), "/")
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		c.Fetch.UserAgent = DefaultUserAgent
	}
	if c.Fetch.MaxItems <= 0 {
		c.Fetch.MaxItems = DefaultMaxItems
	}
	if c.Dispatch.SendRatePerSec <= 0 {
		c.Dispatch.SendRatePerSec = DefaultSendRate
	}
	if strings.TrimSpace(c.Scheduler.IntervalSpec) == "" {
		c.Scheduler.IntervalSpec = DefaultIntervalSpec
	}
	if strings.TrimSpace(c.Scheduler.FixedSpec) == "" {
		c.Scheduler.FixedSpec = DefaultFixedSpec
	}
	if strings.TrimSpace(c.Scheduler.ReportSpec) == "" {
		c.Scheduler.ReportSpec = DefaultReportSpec
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

// Pacing and batch bounds enforced by Validate.
const (
	MinItemDelay = 500 * time.Millisecond
	MaxItemDelay = time.Second
	MaxItemsCap  = 10
)

// Durations is the parsed form of every duration string in Config.
type Durations struct {
	PollTimeout  time.Duration
	BusyTimeout  time.Duration
	FetchTimeout time.Duration
	ZenTimeout   time.Duration
	ItemDelay    time.Duration
}

// ParseDurations parses all duration fields. Empty fields take their default.
// dispatch.item_delay must fall within [MinItemDelay, MaxItemDelay].
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		path, raw string
		def       time.Duration
		dst       *time.Duration
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout, &d.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout, &d.BusyTimeout},
		{"fetch.timeout", c.Fetch.Timeout, DefaultFetchTimeout, &d.FetchTimeout},
		{"fetch.zen_timeout", c.Fetch.ZenTimeout, DefaultZenTimeout, &d.ZenTimeout},
		{"dispatch.item_delay", c.Dispatch.ItemDelay, DefaultItemDelay, &d.ItemDelay},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			*f.dst = f.def
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return d, fmt.Errorf("%s: invalid duration %q: %w", f.path, f.raw, err)
		}
		if v <= 0 {
			return d, fmt.Errorf("%s: must be positive, got %s", f.path, raw)
		}
		*f.dst = v
	}
	if d.ItemDelay < MinItemDelay || d.ItemDelay > MaxItemDelay {
		return d, fmt.Errorf("dispatch.item_delay: %s outside [%s, %s]", d.ItemDelay, MinItemDelay, MaxItemDelay)
	}
	return d, nil
}

// Location resolves scheduler.timezone. Empty means the process local zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, DefaultTimezoneLabel) {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
