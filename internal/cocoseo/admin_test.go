package cocoseo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminYAML = `
server:
  baseURL: https://example.com
  adminToken: secret
`

func adminDo(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	h := newTestService(t, testConfig(t, ""), openTestStore(t)).Handler()
	rec := adminDo(t, h, http.MethodGet, "/admin/stats", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	h := newTestService(t, testConfig(t, adminYAML), openTestStore(t)).Handler()

	for _, token := range []string{"", "wrong"} {
		rec := adminDo(t, h, http.MethodGet, "/admin/stats", token, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decodeJSON(t, rec)["error"])
	}
	assert.Equal(t, http.StatusOK, adminDo(t, h, http.MethodGet, "/admin/stats", "secret", "").Code)
}

func TestAdminPutContentValidation(t *testing.T) {
	h := newTestService(t, testConfig(t, adminYAML), openTestStore(t)).Handler()

	tests := []struct {
		name string
		path string
		body string
	}{
		{"bad id", "/admin/content/abc", `{"type":"post","status":"publish"}`},
		{"zero id", "/admin/content/0", `{"type":"post","status":"publish"}`},
		{"malformed", "/admin/content/1", `{"type":`},
		{"unknown field", "/admin/content/1", `{"type":"post","status":"publish","color":"red"}`},
		{"missing type", "/admin/content/1", `{"status":"publish"}`},
		{"bad status", "/admin/content/1", `{"type":"post","status":"live"}`},
		{"bad directive", "/admin/content/1", `{"type":"post","status":"publish","directive":"nofollow"}`},
		{"bad type name", "/admin/content/1", `{"type":"Blog Post","status":"publish"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := adminDo(t, h, http.MethodPut, tt.path, "secret", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeJSON(t, rec)["error"])
		})
	}
}

func TestAdminContentLifecycle(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(t, testConfig(t, adminYAML), store)
	h := svc.Handler()

	require.Equal(t, "miss", get(h, "/sitemap-post.xml").Header().Get("X-Cocoseo"))
	require.Equal(t, "miss", get(h, "/sitemap-page.xml").Header().Get("X-Cocoseo"))
	require.Equal(t, "miss", get(h, "/sitemap.xml").Header().Get("X-Cocoseo"))

	rec := adminDo(t, h, http.MethodPut, "/admin/content/5", "secret",
		`{"type":"post","status":"draft","permalink":"/soon/"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", decodeJSON(t, rec)["event"])
	assert.Equal(t, []string{"page"}, svc.cache.Keys())

	rec = adminDo(t, h, http.MethodPut, "/admin/content/5", "secret",
		`{"type":"post","status":"publish","permalink":"/soon/","publishedAt":"2026-02-28T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "published", decodeJSON(t, rec)["event"])

	sm := get(h, "/sitemap-post.xml")
	assert.Equal(t, "miss", sm.Header().Get("X-Cocoseo"))
	assert.Contains(t, sm.Body.String(), "<loc>https://example.com/soon/</loc>")
	assert.Contains(t, get(h, "/sitemap.xml").Body.String(), "https://example.com/sitemap-post.xml")

	rec = adminDo(t, h, http.MethodPut, "/admin/content/5", "secret",
		`{"type":"post","status":"publish","permalink":"/soon/","title":"Now"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "updated", decodeJSON(t, rec)["event"])

	rec = adminDo(t, h, http.MethodPost, "/admin/content/5/trash", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	item, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, StatusTrash, item.Status)
	assert.NotContains(t, get(h, "/sitemap-post.xml").Body.String(), "/soon/")

	rec = adminDo(t, h, http.MethodDelete, "/admin/content/5", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decodeJSON(t, rec)["event"])

	assert.Equal(t, http.StatusNotFound, adminDo(t, h, http.MethodDelete, "/admin/content/5", "secret", "").Code)
	assert.Equal(t, http.StatusNotFound, adminDo(t, h, http.MethodPost, "/admin/content/5/trash", "secret", "").Code)
}

func TestAdminTypeChangeInvalidatesBothTypes(t *testing.T) {
	store := openTestStore(t)
	seed(t, store, published(9, "post", "/moving/", day))
	svc := newTestService(t, testConfig(t, adminYAML), store)
	primeCache(t, svc, "index", "post", "page")

	rec := adminDo(t, svc.Handler(), http.MethodPut, "/admin/content/9", "secret",
		`{"type":"page","status":"publish","permalink":"/moving/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.cache.Keys())
}

func TestAdminEvents(t *testing.T) {
	svc := newTestService(t, testConfig(t, adminYAML), openTestStore(t))
	h := svc.Handler()

	for _, kind := range []string{"terms-edited", "theme-switched"} {
		primeCache(t, svc, "index", "post")
		rec := adminDo(t, h, http.MethodPost, "/admin/events/"+kind, "secret", "")
		require.Equal(t, http.StatusOK, rec.Code, kind)
		assert.Empty(t, svc.cache.Keys(), kind)
	}
	assert.Equal(t, http.StatusNotFound, adminDo(t, h, http.MethodPost, "/admin/events/reboot", "secret", "").Code)
}

func TestAdminRegenerate(t *testing.T) {
	store := openTestStore(t)
	seed(t, store, published(1, "post", "/a/", day))
	svc := newTestService(t, testConfig(t, adminYAML), store)

	rec := adminDo(t, svc.Handler(), http.MethodPost, "/admin/sitemaps/regenerate", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"index", "page", "post"}, decodeJSON(t, rec)["keys"])
	assert.Equal(t, "hit", get(svc.Handler(), "/sitemap-post.xml").Header().Get("X-Cocoseo"))
}

func TestAdminIndexNow(t *testing.T) {
	t.Run("no key", func(t *testing.T) {
		h := newTestService(t, testConfig(t, adminYAML), openTestStore(t)).Handler()
		rec := adminDo(t, h, http.MethodPost, "/admin/indexnow", "secret", `{"urls":["https://example.com/a/"]}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	srv, recorder := newIndexNowEndpoint(t, http.StatusOK)
	cfg := testConfig(t, adminYAML+"indexNow:\n  key: "+testIndexNowKey+"\n  endpoint: "+srv.URL+"\n")
	h := newTestService(t, cfg, openTestStore(t)).Handler()

	t.Run("invalid urls", func(t *testing.T) {
		rec := adminDo(t, h, http.MethodPost, "/admin/indexnow", "secret", `{"urls":["not a url"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = adminDo(t, h, http.MethodPost, "/admin/indexnow", "secret", `{"urls":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("submitted", func(t *testing.T) {
		rec := adminDo(t, h, http.MethodPost, "/admin/indexnow", "secret",
			`{"urls":["https://example.com/a/","https://example.com/b/"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.InDelta(t, 2, decodeJSON(t, rec)["submitted"], 0)
		require.Len(t, recorder.snapshot(), 1)
	})
}

func TestAdminStats(t *testing.T) {
	svc := newTestService(t, testConfig(t, adminYAML), openTestStore(t))
	h := svc.Handler()
	get(h, "/sitemap.xml")
	get(h, "/sitemap.xml")
	get(h, "/sitemap-nope.xml")

	out := decodeJSON(t, adminDo(t, h, http.MethodGet, "/admin/stats", "secret", ""))
	assert.InDelta(t, 1, out["hits"], 0)
	assert.InDelta(t, 1, out["misses"], 0)
	assert.InDelta(t, 1, out["rejected"], 0)
	assert.InDelta(t, 2, out["totalResponses"], 0)
}

func TestAdminPingSitemap(t *testing.T) {
	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, "server:\n  baseURL: "+srv.URL+"\n  adminToken: secret\n")
	svc := newTestService(t, cfg, openTestStore(t))
	h = svc.Handler()

	rec := adminDo(t, h, http.MethodPost, "/admin/sitemaps/ping", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeJSON(t, rec)
	assert.Equal(t, true, out["ok"])
	assert.InDelta(t, http.StatusOK, out["status"], 0)
}

func TestAdminPingSitemapUnreachable(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/sitemap.xml", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(broken.Close)

	cfg := testConfig(t, "server:\n  baseURL: "+broken.URL+"\n  adminToken: secret\n")
	svc := newTestService(t, cfg, openTestStore(t))

	code, err := svc.PingSitemap(t.Context())
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	out := decodeJSON(t, adminDo(t, svc.Handler(), http.MethodPost, "/admin/sitemaps/ping", "secret", ""))
	assert.Equal(t, false, out["ok"])
	assert.InDelta(t, http.StatusServiceUnavailable, out["status"], 0)
	assert.Contains(t, out["error"], "unexpected status 503")
}
