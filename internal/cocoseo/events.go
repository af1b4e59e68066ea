package cocoseo

import "go.uber.org/zap"

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventUpdated       EventKind = "updated"
	EventDeleted       EventKind = "deleted"
	EventTrashed       EventKind = "trashed"
	EventPublished     EventKind = "published"
	EventTermsEdited   EventKind = "terms_edited"
	EventThemeSwitched EventKind = "theme_switched"
)

// ContentEvent reports a change in the content store. ContentType is empty
// when the change cannot be pinned to a single type.
type ContentEvent struct {
	Kind        EventKind
	ContentType string
}

// ContentChanged drops the cached documents the event may have made stale.
// A change to one enabled type invalidates that type and the index, since
// the set of non-empty types may have changed with it.
func (s *Service) ContentChanged(ev ContentEvent) {
	switch ev.Kind {
	case EventTermsEdited, EventThemeSwitched:
		s.invalidateAll(ev)
		return
	}
	if ev.ContentType == "" {
		s.invalidateAll(ev)
		return
	}
	t, ok := s.cfg.typeConfig(ev.ContentType)
	if !ok || t.Disabled {
		return
	}
	s.cache.Invalidate(t.Name, indexKey)
	s.log.Debug("sitemap cache invalidated",
		zap.String("event", string(ev.Kind)),
		zap.Strings("keys", []string{t.Name, indexKey}))
}

func (s *Service) invalidateAll(ev ContentEvent) {
	s.cache.InvalidateAll()
	s.log.Debug("sitemap cache cleared", zap.String("event", string(ev.Kind)))
}
