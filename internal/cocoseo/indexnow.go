package cocoseo

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndexNow accepts at most this many URLs per request.
const indexNowBatch = 10000

// IndexNowClient submits changed URLs to an IndexNow endpoint.
type IndexNowClient struct {
	httpClient  *http.Client
	endpoint    string
	host        string
	key         string
	keyLocation string
}

func NewIndexNowClient(client *http.Client, endpoint, baseURL, key, keyLocation string) *IndexNowClient {
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &IndexNowClient{
		httpClient:  client,
		endpoint:    endpoint,
		host:        host,
		key:         key,
		keyLocation: keyLocation,
	}
}

type indexNowRequest struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation"`
	URLList     []string `json:"urlList"`
}

// Submit sends urls in batches, two requests at a time. Blank and duplicate
// URLs are dropped.
func (c *IndexNowClient) Submit(ctx context.Context, urls []string) error {
	seen := make(map[string]struct{}, len(urls))
	list := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		list = append(list, u)
	}
	if len(list) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for start := 0; start < len(list); start += indexNowBatch {
		batch := list[start:min(start+indexNowBatch, len(list))]
		g.Go(func() error {
			return c.submitBatch(ctx, batch)
		})
	}
	return g.Wait()
}

func (c *IndexNowClient) submitBatch(ctx context.Context, urls []string) error {
	body, err := json.Marshal(indexNowRequest{
		Host:        c.host,
		Key:         c.key,
		KeyLocation: c.keyLocation,
		URLList:     urls,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexnow submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("indexnow submit: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GenerateIndexNowKey returns 32 random hex characters.
func GenerateIndexNowKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// KeyLocation is the public URL of the IndexNow key file.
func KeyLocation(cfg Config) string {
	key := cfg.IndexNow.Key
	if cfg.IndexNow.KeyStrategy == "virtual" {
		return cfg.absoluteURL("/indexnow-" + key + ".txt")
	}
	return cfg.absoluteURL("/" + key + ".txt")
}

// serveKeyFile answers /{key}.txt and /indexnow-{key}.txt for the configured
// key only.
func (s *Service) serveKeyFile(w http.ResponseWriter, r *http.Request, name string) {
	key := s.cfg.IndexNow.Key
	want := strings.TrimPrefix(strings.TrimSuffix(name, ".txt"), "indexnow-")
	if key == "" || subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(key))
}

// submitAsync pings IndexNow for one URL in the background. The submission
// is dropped when too many are already in flight or the service is closing.
func (s *Service) submitAsync(u string) {
	if s.indexNow == nil || !s.cfg.IndexNow.SubmitOnPublish {
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.log.Warn("indexnow: too many submissions in flight, dropping", zap.String("url", u))
		return
	}

	started := s.spawn(func() {
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.indexNow.Submit(ctx, []string{u}); err != nil {
			s.log.Warn("indexnow submit failed", zap.String("url", u), zap.Error(err))
			return
		}
		s.log.Debug("indexnow submitted", zap.String("url", u))
	})
	if !started {
		<-s.bgSem
		s.log.Debug("indexnow: service closing, submission skipped", zap.String("url", u))
	}
}
