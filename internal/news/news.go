// Package news holds the domain types shared by the pipeline:
// sources, fetched items and delivery records.
package news

import (
	"strings"
	"time"
)

// Kind selects the fetch strategy for a source.
type Kind string

const (
	KindRSS     Kind = "rss"
	KindZen     Kind = "zen"
	KindTwitter Kind = "twitter"
)

// Kinds lists every recognized kind, in display order.
var Kinds = []Kind{KindRSS, KindZen, KindTwitter}

// ParseKind normalizes s and reports whether it names a known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindRSS, KindZen, KindTwitter:
		return k, true
	}
	return "", false
}

func (k Kind) Valid() bool {
	_, ok := ParseKind(string(k))
	return ok
}

// CanonicalHandle reduces a twitter handle to its stored form: no leading
// "@", lower case. Handles are case-insensitive, so "@GoLang" and "golang"
// name the same account. ok is false for an empty or malformed handle.
func CanonicalHandle(s string) (h string, ok bool) {
	h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	if h == "" || strings.ContainsAny(h, "/?#@ ") {
		return "", false
	}
	return h, true
}

// Source is a configured origin of content. URL holds a handle for twitter sources.
type Source struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Kind      Kind      `json:"kind"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is a transient candidate produced by a fetch. Link is its identity.
type Item struct {
	Title       string
	Link        string
	Summary     string
	PublishedAt *time.Time
	OriginLabel string
}

// Record is a persisted delivery.
type Record struct {
	SourceID    int64
	Title       string
	Link        string
	PublishedAt *time.Time
	DeliveredAt time.Time
}
