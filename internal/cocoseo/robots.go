package cocoseo

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// renderRobots builds robots.txt. Types whose item count cannot be read are
// left out of the Sitemap lines.
func (s *Service) renderRobots(ctx context.Context) string {
	if s.cfg.Site.DiscourageSearch {
		return "User-agent: *\nDisallow: /\n"
	}

	var b strings.Builder
	b.WriteString("User-agent: *\n")
	for _, p := range s.cfg.Robots.Disallow {
		if p = strings.TrimSpace(p); p != "" {
			b.WriteString("Disallow: " + p + "\n")
		}
	}
	for _, p := range s.cfg.Robots.Allow {
		if p = strings.TrimSpace(p); p != "" {
			b.WriteString("Allow: " + p + "\n")
		}
	}

	b.WriteString("\n# Sitemaps\n")
	b.WriteString("Sitemap: " + s.cfg.absoluteURL("/sitemap.xml") + "\n")
	for _, t := range s.cfg.enabledTypes() {
		n, err := s.store.CountPublished(ctx, t.Name)
		if err != nil {
			s.log.Warn("robots.txt: count failed", zap.String("type", t.Name), zap.Error(err))
			continue
		}
		if n > 0 {
			b.WriteString("Sitemap: " + s.cfg.absoluteURL(typeSitemapPath(t.Name)) + "\n")
		}
	}
	return b.String()
}

func (s *Service) handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.renderRobots(r.Context())))
}
