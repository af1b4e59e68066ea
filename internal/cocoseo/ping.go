package cocoseo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PingSitemap sends a HEAD request to the public sitemap index and returns
// the status code. 2xx and 3xx count as reachable.
func (s *Service) PingSitemap(ctx context.Context) (int, error) {
	u := s.cfg.absoluteURL("/sitemap.xml")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", u, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("ping %s: unexpected status %d", u, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
