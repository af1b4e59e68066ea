package cocoseo

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RegenerateAll marks unpublished items noindex and rebuilds every sitemap
// document into the cache. A key whose build fails keeps its previous entry.
func (s *Service) RegenerateAll(ctx context.Context) error {
	types := s.cfg.enabledTypeNames()

	if n, err := s.store.MarkUnpublishedNoindex(ctx, types); err != nil {
		s.log.Warn("marking unpublished items noindex failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("marked unpublished items noindex", zap.Int64("items", n))
	}

	keys := append([]string{indexKey}, types...)
	// One failing key must not cancel the others.
	var g errgroup.Group
	g.SetLimit(4)
	for _, key := range keys {
		g.Go(func() error {
			body, err := s.gen.Build(ctx, key)
			if err != nil {
				s.log.Warn("sitemap regeneration failed", zap.String("key", key), zap.Error(err))
				return err
			}
			if _, err := s.cache.Put(key, body, s.cfg.Sitemap.ttlDur); err != nil {
				s.cacheWarn.Warn("sitemap cache write failed", "key", key, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			start := time.Now()
			err := s.RegenerateAll(ctx)
			cancel()
			if err != nil {
				s.log.Warn("sitemap sweep finished with errors", zap.Error(err))
				continue
			}
			s.log.Info("sitemap sweep done", zap.Duration("took", time.Since(start)))
		}
	}
}
