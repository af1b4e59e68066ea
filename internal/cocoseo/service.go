package cocoseo

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Values of the X-Cocoseo response header.
const (
	stateHit        = "hit"
	stateMiss       = "miss"
	stateRegenerate = "regenerate"
	stateDegraded   = "degraded"
	stateError      = "error"
)

type Options struct {
	Store      ContentRepository
	Logger     *zap.Logger
	HTTPClient *http.Client
	Now        func() time.Time
}

type Service struct {
	cfg Config

	store    ContentRepository
	gen      *Generator
	cache    *DocumentCache
	indexNow *IndexNowClient
	client   *http.Client

	log       *zap.Logger
	cacheWarn *rateLimitedLogger
	stats     *statsCollector
	now       func() time.Time

	bgSem chan struct{}

	closeMu sync.Mutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(cfg Config, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("content store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		cfg:       cfg,
		store:     opts.Store,
		client:    opts.HTTPClient,
		log:       opts.Logger,
		cacheWarn: newRateLimitedLogger(opts.Logger, time.Minute),
		stats:     newStatsCollector(),
		now:       opts.Now,
		bgSem:     make(chan struct{}, 32),
		stopCh:    make(chan struct{}),
	}
	s.gen = NewGenerator(&s.cfg, opts.Store, opts.Now)

	cache, err := NewDocumentCache(
		int64(cfg.Storage.RAM.Max),
		cfg.Storage.Disk.Path,
		int64(cfg.Storage.Disk.Max),
		newRateLimitedLogger(opts.Logger, time.Minute),
		opts.Now,
	)
	if err != nil {
		return nil, err
	}
	s.cache = cache

	if cfg.IndexNow.Key != "" {
		s.indexNow = NewIndexNowClient(opts.HTTPClient, cfg.IndexNow.Endpoint, cfg.Server.BaseURL, cfg.IndexNow.Key, KeyLocation(cfg))
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.spawn(func() { s.statsLoop(every) })
	}
	if every := cfg.Sitemap.regenDur; every > 0 {
		s.log.Info("sitemap regeneration sweep enabled", zap.Duration("every", every))
		s.spawn(func() { s.sweepLoop(every) })
	}

	return s, nil
}

// Close stops background work and closes the document cache. The content
// store belongs to the caller.
func (s *Service) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.closeMu.Unlock()

	s.wg.Wait()
	return s.cache.Close()
}

// spawn runs fn on a tracked goroutine. It reports false once Close has
// begun.
func (s *Service) spawn(fn func()) bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sitemap.xml", s.handleSitemapIndex)
	mux.HandleFunc("GET /robots.txt", s.handleRobots)
	mux.HandleFunc("GET /{file}", s.handleRootFile)
	s.registerAdmin(mux)
	return mux
}

func (s *Service) handleSitemapIndex(w http.ResponseWriter, r *http.Request) {
	s.serveSitemap(w, r, indexKey)
}

func (s *Service) handleRootFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	switch {
	case strings.HasPrefix(name, "sitemap-") && strings.HasSuffix(name, ".xml"):
		typ := sanitizeKey(strings.TrimSuffix(strings.TrimPrefix(name, "sitemap-"), ".xml"))
		t, known := s.cfg.typeConfig(typ)
		switch {
		case !known:
			s.rejectSitemap(w, "Invalid sitemap.")
		case t.Disabled:
			s.rejectSitemap(w, "Sitemap type not enabled.")
		default:
			s.serveSitemap(w, r, typ)
		}
	case strings.HasSuffix(name, ".txt"):
		s.serveKeyFile(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) serveSitemap(w http.ResponseWriter, r *http.Request, key string) {
	force := s.cfg.Sitemap.Debug || r.URL.Query().Has("regenerate")
	body, state := s.document(r.Context(), key, force)
	writeXML(w, http.StatusOK, body, state)
	s.stats.Observe(state, len(body))
}

func (s *Service) rejectSitemap(w http.ResponseWriter, msg string) {
	writeXML(w, http.StatusNotFound, errorDocument(msg), stateError)
	s.stats.Observe(stateError, 0)
}

// document returns the body for key from the cache, regenerating it when the
// cache has nothing usable or force is set.
func (s *Service) document(ctx context.Context, key string, force bool) ([]byte, string) {
	if !force {
		if ent, ok := s.cache.Get(key); ok {
			return ent.Body, stateHit
		}
	}

	body, err := s.gen.Build(ctx, key)
	if err != nil {
		s.log.Warn("sitemap build failed, serving empty document", zap.String("key", key), zap.Error(err))
		return emptyDocument(key), stateDegraded
	}
	if _, err := s.cache.Put(key, body, s.cfg.Sitemap.ttlDur); err != nil {
		s.cacheWarn.Warn("sitemap cache write failed", "key", key, "error", err)
	}
	if force {
		return body, stateRegenerate
	}
	return body, stateMiss
}

func writeXML(w http.ResponseWriter, status int, body []byte, state string) {
	h := w.Header()
	h.Set("Content-Type", "application/xml; charset=UTF-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	setStateHeader(h, state)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func setStateHeader(h http.Header, state string) {
	if state != "" {
		h.Set("X-Cocoseo", state)
	}
	// Custom headers are hidden from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Cocoseo")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// sanitizeKey lower-cases s and drops everything outside [a-z0-9_-].
func sanitizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Info("sitemap stats",
				zap.Int("cachedDocuments", len(s.cache.Keys())),
				zap.String("ram", formatBytes(uint64(s.cache.ramSize()))),
				zap.String("disk", formatBytes(uint64(s.cache.diskSize()))),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("degraded", ss.Degraded),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			)
		}
	}
}
