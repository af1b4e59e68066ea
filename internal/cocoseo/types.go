package cocoseo

import (
	"strings"
	"time"
)

const (
	StatusPublish = "publish"
	StatusDraft   = "draft"
	StatusPrivate = "private"
	StatusTrash   = "trash"
)

// ContentItem is one publishable unit in the content store.
type ContentItem struct {
	ID        int64
	Type      string
	Status    string
	Permalink string
	Title     string

	// Directive is the per-item indexing directive, e.g. "noindex follow".
	// Empty means the site default applies.
	Directive string

	PublishedAt time.Time
	ModifiedAt  time.Time
}

func isNoindex(directive string) bool {
	return strings.Contains(directive, "noindex")
}

// Entry is one <url> element of a type document.
type Entry struct {
	Loc        string
	LastMod    time.Time
	Priority   float64
	ChangeFreq string
}

// CacheEntry is a stored sitemap document.
type CacheEntry struct {
	Body        []byte
	GeneratedAt int64 // unix seconds
	ExpiresAt   int64 // unix nanoseconds; 0 never expires
	Hash32      uint32
}

func (e CacheEntry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}
