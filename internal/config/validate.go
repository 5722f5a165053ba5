package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	ErrMissingToken        = errors.New("telegram token is required (set telegram.token or " + EnvToken + ")")
	ErrMissingDestinations = errors.New("telegram.destinations must list at least one chat")
)

// cronParser matches the parser used by the scheduler.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a defaulted config. Errors here are startup-fatal and reject hot reloads.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, ErrMissingToken)
	}
	if len(c.Telegram.Destinations) == 0 {
		errs = append(errs, ErrMissingDestinations)
	}
	for i, d := range c.Telegram.Destinations {
		if d.ChatID == 0 {
			errs = append(errs, fmt.Errorf("telegram.destinations[%d].chat_id is required", i))
		}
	}
	if c.Fetch.MaxItems < 1 || c.Fetch.MaxItems > MaxItemsCap {
		errs = append(errs, fmt.Errorf("fetch.max_items: %d outside [1, %d]", c.Fetch.MaxItems, MaxItemsCap))
	}
	if _, err := c.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for path, spec := range map[string]string{
		"scheduler.interval_spec": c.Scheduler.IntervalSpec,
		"scheduler.fixed_spec":    c.Scheduler.FixedSpec,
		"scheduler.report_spec":   c.Scheduler.ReportSpec,
	} {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if u, err := url.Parse(c.Fetch.TwitterProxy); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("fetch.twitter_proxy: invalid base url %q", c.Fetch.TwitterProxy))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.GroupLog == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.group_log"))
	}
	return errors.Join(errs...)
}
