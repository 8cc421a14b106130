package qbt

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/models"
)

// DefaultFetchConcurrency bounds the per-torrent requests of one fetch.
const DefaultFetchConcurrency = 8

// Source fetches the full item list: every torrent with its files and
// properties. It implements vfs.ItemSource.
type Source struct {
	client      *Client
	concurrency int
}

// NewSource returns a source backed by c. concurrency <= 0 selects
// DefaultFetchConcurrency.
func NewSource(c *Client, concurrency int) *Source {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &Source{client: c, concurrency: concurrency}
}

// FetchItems returns the items in torrent list order. Any failed request
// fails the whole fetch.
func (s *Source) FetchItems(ctx context.Context) ([]models.Item, error) {
	start := time.Now()
	torrents, err := s.client.Torrents(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]models.Item, len(torrents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range torrents {
		items[i].Info = torrents[i]
		hash := torrents[i].Hash

		g.Go(func() error {
			files, err := s.client.Files(gctx, hash)
			if err != nil {
				return fmt.Errorf("files of %s: %w", hash, err)
			}
			items[i].Files = files
			return nil
		})
		g.Go(func() error {
			props, err := s.client.Properties(gctx, hash)
			if err != nil {
				return fmt.Errorf("properties of %s: %w", hash, err)
			}
			items[i].Properties = props
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Debug("fetched items",
		logging.Int("torrents", len(items)),
		logging.Duration("duration", time.Since(start)),
	)
	return items, nil
}
