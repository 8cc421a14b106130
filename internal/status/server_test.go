package status

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

type fakeSource struct {
	online atomic.Bool
}

func (f *fakeSource) IsOnline() bool { return f.online.Load() }

func newTestServer(t *testing.T) (*Server, *vfs.FS, *fakeSource, *events.Broadcaster, *httptest.Server) {
	t.Helper()
	bus := events.NewBroadcaster()
	items := []models.Item{
		{Info: models.TorrentInfo{Name: "Alpha", Hash: "a"}, Files: []models.SubItem{{Name: "a.bin", Size: 3}}},
		{Info: models.TorrentInfo{Name: "Beta", Hash: "b"}},
	}
	fs := vfs.New(vfs.Config{}, vfs.ItemSourceFunc(func(context.Context) ([]models.Item, error) {
		return items, nil
	}), bus)
	src := &fakeSource{}
	src.online.Store(true)
	s := New(fs, src, bus)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, fs, src, bus, ts
}

func TestHealth(t *testing.T) {
	_, _, src, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	src.online.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "offline", body["status"])
}

func TestStatusReport(t *testing.T) {
	_, fs, _, _, ts := newTestServer(t)
	_, err := fs.Rebuild(context.Background())
	require.NoError(t, err)
	_, err = fs.Lookup(1, "Alpha")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var r Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))

	assert.Equal(t, uint64(1), r.Generation)
	assert.Equal(t, vfs.OriginAPI, r.Origin)
	assert.Equal(t, 2, r.Items)
	// root, two item dirs, two .metadata files, one payload file
	assert.Equal(t, uint64(6), r.Nodes)
	assert.True(t, r.Online)
	assert.Equal(t, int64(1), r.Stats.Rebuilds)
	assert.Equal(t, int64(1), r.Stats.Lookups)
}

func TestMetricsEndpoint(t *testing.T) {
	_, fs, _, _, ts := newTestServer(t)
	_, err := fs.Rebuild(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "qbtfs_tree_generation")
	assert.Contains(t, string(body), "qbtfs_rebuilds_total")
}

func TestEventStream(t *testing.T) {
	_, fs, _, bus, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = fs.Rebuild(context.Background())
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "event: rebuild", eventLine)
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &e))
	assert.Equal(t, uint64(1), e.Generation)
	assert.Equal(t, 2, e.Items)

	cancel()
	require.Eventually(t, func() bool { return bus.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNoEventsWithoutBroadcaster(t *testing.T) {
	fs := vfs.New(vfs.Config{}, vfs.ItemSourceFunc(func(context.Context) ([]models.Item, error) {
		return nil, nil
	}), nil)
	ts := httptest.NewServer(New(fs, nil, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "no source means online")
}

func TestStartShutdown(t *testing.T) {
	bus := events.NewBroadcaster()
	fs := vfs.New(vfs.Config{}, nil, bus)
	s := New(fs, nil, bus)
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return bus.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0, bus.Count())
}
