package cocoseo

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type contentPayload struct {
	Type        string    `json:"type" validate:"required,max=20"`
	Status      string    `json:"status" validate:"required,oneof=publish draft private pending future trash"`
	Permalink   string    `json:"permalink" validate:"max=2048"`
	Title       string    `json:"title" validate:"max=512"`
	Directive   string    `json:"directive" validate:"omitempty,oneof='index follow' 'index nofollow' 'noindex follow' 'noindex nofollow'"`
	PublishedAt time.Time `json:"publishedAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

type indexNowPayload struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,url"`
}

// registerAdmin mounts the admin API. Without an admin token nothing is
// mounted.
func (s *Service) registerAdmin(mux *http.ServeMux) {
	if s.cfg.Server.AdminToken == "" {
		return
	}
	mux.Handle("PUT /admin/content/{id}", s.requireToken(s.handlePutContent))
	mux.Handle("DELETE /admin/content/{id}", s.requireToken(s.handleDeleteContent))
	mux.Handle("POST /admin/content/{id}/trash", s.requireToken(s.handleTrashContent))
	mux.Handle("POST /admin/events/{kind}", s.requireToken(s.handleEvent))
	mux.Handle("POST /admin/sitemaps/regenerate", s.requireToken(s.handleRegenerate))
	mux.Handle("POST /admin/sitemaps/ping", s.requireToken(s.handlePing))
	mux.Handle("POST /admin/indexnow", s.requireToken(s.handleIndexNow))
	mux.Handle("GET /admin/stats", s.requireToken(s.handleStats))
}

func (s *Service) requireToken(next http.HandlerFunc) http.Handler {
	want := []byte(s.cfg.Server.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Service) handlePutContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p contentPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if sanitizeKey(p.Type) != p.Type {
		writeError(w, http.StatusBadRequest, "type may only contain a-z, 0-9, '-' and '_'")
		return
	}

	now := s.now().UTC()
	item := ContentItem{
		ID:          id,
		Type:        p.Type,
		Status:      p.Status,
		Permalink:   strings.TrimSpace(p.Permalink),
		Title:       p.Title,
		Directive:   p.Directive,
		PublishedAt: p.PublishedAt,
		ModifiedAt:  p.ModifiedAt,
	}
	if item.PublishedAt.IsZero() {
		item.PublishedAt = now
	}
	if item.ModifiedAt.IsZero() {
		item.ModifiedAt = now
	}

	ctx := r.Context()
	old, err := s.store.Get(ctx, id)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.internalError(w, "load content item", err)
		return
	}
	if err := s.store.Save(ctx, item); err != nil {
		s.internalError(w, "save content item", err)
		return
	}

	kind := EventUpdated
	status := http.StatusOK
	if !found {
		kind = EventCreated
		status = http.StatusCreated
	}
	if item.Status == StatusPublish && (!found || old.Status != StatusPublish) {
		kind = EventPublished
	}

	if found && old.Type != item.Type {
		s.ContentChanged(ContentEvent{Kind: kind, ContentType: old.Type})
	}
	s.ContentChanged(ContentEvent{Kind: kind, ContentType: item.Type})
	if item.Status == StatusPublish && item.Permalink != "" {
		s.submitAsync(s.cfg.absoluteURL(item.Permalink))
	}

	writeJSON(w, status, map[string]any{"id": id, "event": kind})
}

func (s *Service) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	old, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "load content item", err)
		return
	}
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		s.internalError(w, "delete content item", err)
		return
	}
	s.ContentChanged(ContentEvent{Kind: EventDeleted, ContentType: old.Type})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "event": EventDeleted})
}

func (s *Service) handleTrashContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	item, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "load content item", err)
		return
	}
	item.Status = StatusTrash
	item.ModifiedAt = s.now().UTC()
	if err := s.store.Save(ctx, item); err != nil {
		s.internalError(w, "trash content item", err)
		return
	}
	s.ContentChanged(ContentEvent{Kind: EventTrashed, ContentType: item.Type})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "event": EventTrashed})
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	var kind EventKind
	switch r.PathValue("kind") {
	case "terms-edited":
		kind = EventTermsEdited
	case "theme-switched":
		kind = EventThemeSwitched
	default:
		writeError(w, http.StatusNotFound, "unknown event")
		return
	}
	s.ContentChanged(ContentEvent{Kind: kind})
	writeJSON(w, http.StatusOK, map[string]any{"event": kind})
}

func (s *Service) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.RegenerateAll(r.Context()); err != nil {
		s.internalError(w, "regenerate sitemaps", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.cache.Keys()})
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	code, err := s.PingSitemap(r.Context())
	if err != nil {
		s.log.Warn("sitemap ping failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "status": code, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": code})
}

func (s *Service) handleIndexNow(w http.ResponseWriter, r *http.Request) {
	if s.indexNow == nil {
		writeError(w, http.StatusConflict, "indexnow key is not configured")
		return
	}
	var p indexNowPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.indexNow.Submit(r.Context(), p.URLs); err != nil {
		s.log.Warn("indexnow submit failed", zap.Int("urls", len(p.URLs)), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submitted": len(p.URLs)})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("admin request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON body into v and validates it, answering 400 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
