// Package fetcher turns one source into a bounded list of candidate items.
//
// Every failure, including a panic inside a parser, is returned as a
// *FetchError so one bad source never takes the dispatch run down with it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"newsbot/internal/news"
	logx "newsbot/pkg/logx"
)

const (
	DefaultMaxItems   = 10
	SummaryMaxRunes   = 500
	DefaultTitle      = "No title"
	UnknownOrigin     = "Unknown"
	ZenOrigin         = "Yandex Zen"
	defaultZenTimeout = 10 * time.Second
)

// FeedParser is the feed fetch/parse primitive. *gofeed.Parser implements it.
type FeedParser interface {
	ParseURLWithContext(feedURL string, ctx context.Context) (*gofeed.Feed, error)
	Parse(feed io.Reader) (*gofeed.Feed, error)
}

// FetchError is a contained, per-source failure.
type FetchError struct {
	Source string
	Kind   news.Kind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	ErrUnknownKind      = errors.New("unknown source kind")
	ErrUnexpectedStatus = errors.New("unexpected http status")
)

type Config struct {
	// Timeout bounds rss and twitter fetches. 0 means no extra bound.
	Timeout time.Duration
	// ZenTimeout bounds the zen HTTP request (default 10s).
	ZenTimeout time.Duration
	// TwitterProxy is the base URL of an RSS proxy, e.g. https://nitter.net.
	TwitterProxy string
	UserAgent    string
	MaxItems     int
}

// strategy fetches a parsed feed and reports the origin label override ("" keeps the feed title).
type strategy func(ctx context.Context, src news.Source) (*gofeed.Feed, string, error)

type Fetcher struct {
	cfg    Config
	parser FeedParser
	client *http.Client
	strip  *bluemonday.Policy
	log    logx.Logger

	strategies map[news.Kind]strategy
}

// New builds a Fetcher. A nil parser uses gofeed with the configured user agent;
// a nil client uses http.DefaultClient.
func New(cfg Config, parser FeedParser, client *http.Client, log logx.Logger) *Fetcher {
	if cfg.MaxItems <= 0 || cfg.MaxItems > DefaultMaxItems {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.ZenTimeout <= 0 {
		cfg.ZenTimeout = defaultZenTimeout
	}
	cfg.TwitterProxy = strings.TrimRight(strings.TrimSpace(cfg.TwitterProxy), "/")
	if client == nil {
		client = http.DefaultClient
	}
	if parser == nil {
		p := gofeed.NewParser()
		p.UserAgent = cfg.UserAgent
		p.Client = client
		parser = p
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fetcher{
		cfg:    cfg,
		parser: parser,
		client: client,
		strip:  bluemonday.StrictPolicy(),
		log:    log.With(logx.String("comp", "fetcher")),
	}
	f.strategies = map[news.Kind]strategy{
		news.KindRSS:     f.fetchRSS,
		news.KindZen:     f.fetchZen,
		news.KindTwitter: f.fetchTwitter,
	}
	return f
}

// Fetch returns at most MaxItems items in upstream feed order. On failure it
// returns nil items and a *FetchError; it never panics.
func (f *Fetcher) Fetch(ctx context.Context, src news.Source) (items []news.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &FetchError{Source: src.Name, Kind: src.Kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	run, ok := f.strategies[src.Kind]
	if !ok {
		return nil, &FetchError{Source: src.Name, Kind: src.Kind, Err: ErrUnknownKind}
	}

	start := time.Now()
	feed, origin, err := run(ctx, src)
	if err != nil {
		return nil, &FetchError{Source: src.Name, Kind: src.Kind, Err: err}
	}
	items = f.normalize(feed, origin)
	f.log.Debug("source fetched",
		logx.String("source", src.Name),
		logx.String("kind", string(src.Kind)),
		logx.Int("items", len(items)),
		logx.Duration("took", time.Since(start)),
	)
	return items, nil
}

func (f *Fetcher) fetchRSS(ctx context.Context, src news.Source) (*gofeed.Feed, string, error) {
	feed, err := f.parseURL(ctx, src.URL)
	return feed, "", err
}

func (f *Fetcher) fetchTwitter(ctx context.Context, src news.Source) (*gofeed.Feed, string, error) {
	u, err := TwitterFeedURL(f.cfg.TwitterProxy, src.URL)
	if err != nil {
		return nil, "", err
	}
	feed, err := f.parseURL(ctx, u)
	return feed, "", err
}

func (f *Fetcher) parseURL(ctx context.Context, u string) (*gofeed.Feed, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	return f.parser.ParseURLWithContext(u, ctx)
}

// fetchZen does its own GET so the timeout and the 200-only rule are explicit.
func (f *Fetcher) fetchZen(ctx context.Context, src news.Source) (*gofeed.Feed, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ZenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, "", err
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	feed, err := f.parser.Parse(resp.Body)
	return feed, ZenOrigin, err
}

// TwitterFeedURL rewrites a handle ("@name" or "name") into {proxy}/{name}/rss.
func TwitterFeedURL(proxy, handle string) (string, error) {
	h, ok := news.CanonicalHandle(handle)
	if !ok {
		return "", fmt.Errorf("invalid twitter handle %q", handle)
	}
	proxy = strings.TrimRight(strings.TrimSpace(proxy), "/")
	if proxy == "" {
		return "", errors.New("twitter proxy base url is not configured")
	}
	return proxy + "/" + url.PathEscape(h) + "/rss", nil
}

func (f *Fetcher) normalize(feed *gofeed.Feed, origin string) []news.Item {
	if feed == nil {
		return nil
	}
	if origin == "" {
		origin = strings.TrimSpace(feed.Title)
	}
	if origin == "" {
		origin = UnknownOrigin
	}

	n := min(len(feed.Items), f.cfg.MaxItems)
	out := make([]news.Item, 0, n)
	for _, it := range feed.Items {
		if len(out) == n {
			break
		}
		if it == nil {
			continue
		}
		item := news.Item{
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Summary:     f.summary(it),
			OriginLabel: origin,
		}
		if item.Title == "" {
			item.Title = DefaultTitle
		}
		switch {
		case it.PublishedParsed != nil:
			t := *it.PublishedParsed
			item.PublishedAt = &t
		case it.UpdatedParsed != nil:
			t := *it.UpdatedParsed
			item.PublishedAt = &t
		}
		out = append(out, item)
	}
	return out
}

func (f *Fetcher) summary(it *gofeed.Item) string {
	raw := it.Description
	if strings.TrimSpace(raw) == "" {
		raw = it.Content
	}
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := html.UnescapeString(f.strip.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, SummaryMaxRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
