package qbt

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/qbtfs/qbtfs/internal/logging"
)

// MainData is the sync/maindata response. Only the parts that describe the
// torrent set are decoded.
type MainData struct {
	Rid             int64                      `json:"rid"`
	FullUpdate      bool                       `json:"full_update"`
	Torrents        map[string]json.RawMessage `json:"torrents"`
	TorrentsRemoved []string                   `json:"torrents_removed"`
}

// MainData returns the changes since rid. rid 0 requests a full update.
func (c *Client) MainData(ctx context.Context, rid int64) (*MainData, error) {
	var md MainData
	q := url.Values{"rid": {strconv.FormatInt(rid, 10)}}
	if err := c.getJSON(ctx, "sync/maindata", q, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Watcher polls sync/maindata and reports when torrents are added or
// removed.
type Watcher struct {
	client       *Client
	interval     time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(c *Client, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		client:       c,
		interval:     interval,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Watch starts polling and returns the change channel. Pending changes are
// coalesced into one value. The channel closes when ctx is done.
func (w *Watcher) Watch(ctx context.Context) <-chan struct{} {
	changes := make(chan struct{}, 1)
	go w.loop(ctx, changes)
	return changes
}

func (w *Watcher) loop(ctx context.Context, changes chan<- struct{}) {
	defer close(changes)

	var (
		rid    int64
		known  map[string]struct{}
		primed bool
	)
	reconnectDelay := w.reconnectMin
	wait := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		md, err := w.client.MainData(ctx, rid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("sync poll failed",
				logging.Err(err),
				logging.Duration("retry_in", reconnectDelay),
			)
			// Start over with a full update once the server answers again.
			rid = 0
			wait = reconnectDelay
			reconnectDelay *= 2
			if reconnectDelay > w.reconnectMax {
				reconnectDelay = w.reconnectMax
			}
			continue
		}
		reconnectDelay = w.reconnectMin
		wait = w.interval

		changed := applyMainData(&known, md)
		rid = md.Rid
		if !primed {
			primed = true
			continue
		}
		if changed {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}
}

// applyMainData updates the known hash set and reports whether the set
// changed. A full update always counts as a change.
func applyMainData(known *map[string]struct{}, md *MainData) bool {
	if md.FullUpdate || *known == nil {
		set := make(map[string]struct{}, len(md.Torrents))
		for hash := range md.Torrents {
			set[hash] = struct{}{}
		}
		*known = set
		return true
	}

	changed := false
	for hash := range md.Torrents {
		if _, ok := (*known)[hash]; !ok {
			(*known)[hash] = struct{}{}
			changed = true
		}
	}
	for _, hash := range md.TorrentsRemoved {
		if _, ok := (*known)[hash]; ok {
			delete(*known, hash)
			changed = true
		}
	}
	return changed
}
