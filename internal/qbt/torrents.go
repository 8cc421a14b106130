package qbt

import (
	"context"
	"net/url"

	"github.com/qbtfs/qbtfs/internal/models"
)

// Torrents returns the torrent list in server order.
func (c *Client) Torrents(ctx context.Context) ([]models.TorrentInfo, error) {
	var list []models.TorrentInfo
	if err := c.getJSON(ctx, "torrents/info", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Files returns the files of a torrent.
func (c *Client) Files(ctx context.Context, hash string) ([]models.SubItem, error) {
	var files []models.SubItem
	if err := c.getJSON(ctx, "torrents/files", url.Values{"hash": {hash}}, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Properties returns the generic properties of a torrent.
func (c *Client) Properties(ctx context.Context, hash string) (*models.Properties, error) {
	var p models.Properties
	if err := c.getJSON(ctx, "torrents/properties", url.Values{"hash": {hash}}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
