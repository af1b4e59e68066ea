package cocoseo

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// ageDays counts whole days since published, never less than one.
func ageDays(published, now time.Time) int {
	d := int(math.Floor(float64(now.Sub(published)) / float64(day)))
	if d < 1 {
		return 1
	}
	return d
}

// classify picks the first band whose bound is strictly above days.
func classify(bands []Band, fallback Band, days int) (float64, string) {
	for _, b := range bands {
		if days < b.BelowDays {
			return b.Priority, b.ChangeFreq
		}
	}
	return fallback.Priority, fallback.ChangeFreq
}

func boosted(priority, boost float64) float64 {
	p := math.Min(1.0, priority+boost)
	return math.Round(p*10) / 10
}

// buildEntry turns one published item into a sitemap entry. ok is false for
// items that must not be listed.
func buildEntry(cfg *Config, t TypeConfig, item ContentItem, now time.Time) (Entry, bool) {
	directive := item.Directive
	if directive == "" {
		directive = cfg.defaultDirective()
	}
	if isNoindex(directive) {
		return Entry{}, false
	}
	if item.Permalink == "" {
		return Entry{}, false
	}

	prio, freq := classify(cfg.Sitemap.Bands, cfg.Sitemap.Fallback, ageDays(item.PublishedAt, now))

	lastMod := item.ModifiedAt
	if lastMod.IsZero() {
		lastMod = item.PublishedAt
	}
	return Entry{
		Loc:        cfg.absoluteURL(item.Permalink),
		LastMod:    lastMod.UTC(),
		Priority:   boosted(prio, t.Boost),
		ChangeFreq: freq,
	}, true
}
