package cocoseo

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	sitemapNS      = "http://www.sitemaps.org/schemas/sitemap/0.9"
	xsiNS          = "http://www.w3.org/2001/XMLSchema-instance"
	schemaLocation = sitemapNS + " " + sitemapNS + "/sitemap.xsd"
)

type urlSet struct {
	XMLName        xml.Name `xml:"urlset"`
	Xmlns          string   `xml:"xmlns,attr"`
	XmlnsXsi       string   `xml:"xmlns:xsi,attr,omitempty"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr,omitempty"`
	Group          string   `xml:",comment"`
	URLs           []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	Priority   string `xml:"priority"`
	ChangeFreq string `xml:"changefreq"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Xmlns    string       `xml:"xmlns,attr"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

type xmlSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// ContentStore is the read side of the content store used to build sitemaps.
type ContentStore interface {
	PublishedItems(ctx context.Context, contentType string) ([]ContentItem, error)
	CountPublished(ctx context.Context, contentType string) (int, error)
}

// Generator assembles sitemap documents from the content store.
type Generator struct {
	cfg   *Config
	store ContentStore
	now   func() time.Time
}

func NewGenerator(cfg *Config, store ContentStore, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{cfg: cfg, store: store, now: now}
}

// Build renders the document for key, which is either "index" or the name of
// an enabled content type.
func (g *Generator) Build(ctx context.Context, key string) ([]byte, error) {
	if key == indexKey {
		return g.IndexDocument(ctx)
	}
	t, ok := g.cfg.typeConfig(key)
	if !ok || t.Disabled {
		return nil, fmt.Errorf("sitemap type %q is not enabled", key)
	}
	return g.TypeDocument(ctx, t)
}

func (g *Generator) TypeDocument(ctx context.Context, t TypeConfig) ([]byte, error) {
	items, err := g.store.PublishedItems(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", t.Name, err)
	}
	now := g.now()

	doc := urlSet{
		Xmlns:          sitemapNS,
		XmlnsXsi:       xsiNS,
		SchemaLocation: schemaLocation,
		Group:          " Group: " + commentText(t.Label) + " ",
		URLs:           make([]xmlURL, 0, len(items)),
	}
	for _, item := range items {
		if item.Status != StatusPublish {
			continue
		}
		e, ok := buildEntry(g.cfg, t, item, now)
		if !ok {
			continue
		}
		doc.URLs = append(doc.URLs, xmlURL{
			Loc:        e.Loc,
			LastMod:    e.LastMod.Format(time.RFC3339),
			Priority:   strconv.FormatFloat(e.Priority, 'f', 1, 64),
			ChangeFreq: e.ChangeFreq,
		})
	}
	return marshalDocument(doc)
}

func (g *Generator) IndexDocument(ctx context.Context) ([]byte, error) {
	now := g.now().UTC().Format(time.RFC3339)
	doc := sitemapIndex{Xmlns: sitemapNS}
	for _, t := range g.cfg.enabledTypes() {
		n, err := g.store.CountPublished(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("count %s items: %w", t.Name, err)
		}
		if n < 1 {
			continue
		}
		doc.Sitemaps = append(doc.Sitemaps, xmlSitemap{
			Loc:     g.cfg.absoluteURL(typeSitemapPath(t.Name)),
			LastMod: now,
		})
	}
	return marshalDocument(doc)
}

// commentText makes s safe inside an XML comment, which may not contain "--".
func commentText(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.TrimRight(s, "-")
}

func typeSitemapPath(name string) string {
	return "/sitemap-" + name + ".xml"
}

// emptyDocument is served when a document cannot be built.
func emptyDocument(key string) []byte {
	var v any = urlSet{Xmlns: sitemapNS}
	if key == indexKey {
		v = sitemapIndex{Xmlns: sitemapNS}
	}
	b, err := marshalDocument(v)
	if err != nil {
		// Both shapes are static; marshalling cannot fail.
		panic(err)
	}
	return b
}

func errorDocument(msg string) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<error>")
	_ = xml.EscapeText(&buf, []byte(msg))
	buf.WriteString("</error>")
	return buf.Bytes()
}

func marshalDocument(v any) ([]byte, error) {
	b, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(xml.Header)+len(b))
	out = append(out, xml.Header...)
	return append(out, b...), nil
}
