package cocoseo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// DiscoverResult lists what a sitemap walk found.
type DiscoverResult struct {
	Sitemaps []string
	URLs     []string
}

// DiscoverURLs walks the sitemap at root breadth first, following nested
// sitemap references, and collects every page location. Each sitemap is
// fetched once.
func DiscoverURLs(ctx context.Context, client *http.Client, root string) (DiscoverResult, error) {
	var res DiscoverResult
	seen := map[string]struct{}{}
	queue := []string{strings.TrimSpace(root)}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if smURL == "" {
			continue
		}
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, client, smURL)
		if err != nil {
			return res, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		res.Sitemaps = append(res.Sitemaps, smURL)

		for _, nested := range doc.Sitemaps {
			if u := resolveLoc(smURL, nested); u != "" {
				queue = append(queue, u)
			}
		}
		for _, loc := range doc.URLs {
			if u := resolveLoc(smURL, loc); u != "" {
				res.URLs = append(res.URLs, u)
			}
		}
	}
	return res, nil
}

func resolveLoc(base, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

func fetchSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may arrive already decoded when the server also set
	// Content-Encoding, so sniff the magic bytes too.
	isGzip := len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
	if isGzip || strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
