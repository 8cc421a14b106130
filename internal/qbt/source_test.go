package qbt

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbtfs/qbtfs/internal/models"
)

func torrentFixture() *fakeQbt {
	return &fakeQbt{
		torrents: []models.TorrentInfo{
			{Name: "Alpha", Hash: "aaa", Size: 10, State: models.StateUploading},
			{Name: "Beta", Hash: "bbb", Size: 20, State: models.StateDownloading},
		},
		files: map[string][]models.SubItem{
			"aaa": {{Index: 0, Name: "Alpha/a.txt", Size: 10, Priority: models.PriorityNormal}},
			"bbb": {
				{Index: 0, Name: "b1.bin", Size: 15},
				{Index: 1, Name: "b2.bin", Size: 5, Priority: models.PriorityDoNotDownload},
			},
		},
		props: map[string]models.Properties{
			"aaa": {DlSpeed: 1, UpSpeed: 2},
			"bbb": {DlSpeed: 3, UpSpeed: 4},
		},
	}
}

func TestSourceFetchItems(t *testing.T) {
	q := torrentFixture()
	c, _ := testClient(t, q, "admin", "secret")
	src := NewSource(c, 2)

	items, err := src.FetchItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Alpha", items[0].Name())
	assert.Equal(t, "bbb", items[1].Hash())
	if diff := cmp.Diff(q.files["bbb"], items[1].Files); diff != "" {
		t.Errorf("files of Beta (-want +got):\n%s", diff)
	}
	require.NotNil(t, items[0].Properties)
	assert.Equal(t, int64(2), items[0].Properties.UpSpeed)
	assert.Equal(t, int64(3), items[1].Properties.DlSpeed)
}

func TestSourceEmptyList(t *testing.T) {
	c, _ := testClient(t, &fakeQbt{}, "admin", "secret")
	items, err := NewSource(c, 0).FetchItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSourceFailsWhole(t *testing.T) {
	q := torrentFixture()
	q.failFiles = "bbb"
	c, _ := testClient(t, q, "admin", "secret")

	items, err := NewSource(c, 4).FetchItems(context.Background())
	require.Error(t, err)
	assert.Nil(t, items)
	assert.Contains(t, err.Error(), "files of bbb")
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestApplyMainData(t *testing.T) {
	var known map[string]struct{}

	steps := []struct {
		name string
		md   MainData
		want bool
		hash []string
	}{
		{"first full", MainData{FullUpdate: true, Torrents: map[string]json.RawMessage{"a": raw("{}"), "b": raw("{}")}}, true, []string{"a", "b"}},
		{"progress only", MainData{Torrents: map[string]json.RawMessage{"a": raw(`{"progress":0.5}`)}}, false, []string{"a", "b"}},
		{"added", MainData{Torrents: map[string]json.RawMessage{"c": raw("{}")}}, true, []string{"a", "b", "c"}},
		{"removed", MainData{TorrentsRemoved: []string{"a"}}, true, []string{"b", "c"}},
		{"removed unknown", MainData{TorrentsRemoved: []string{"zzz"}}, false, []string{"b", "c"}},
		{"full again", MainData{FullUpdate: true, Torrents: map[string]json.RawMessage{"b": raw("{}")}}, true, []string{"b"}},
	}
	for _, s := range steps {
		md := s.md
		if got := applyMainData(&known, &md); got != s.want {
			t.Errorf("%s: changed = %v, want %v", s.name, got, s.want)
		}
		var hashes []string
		for h := range known {
			hashes = append(hashes, h)
		}
		if diff := cmp.Diff(s.hash, hashes, cmpSorted); diff != "" {
			t.Errorf("%s: known set (-want +got):\n%s", s.name, diff)
		}
	}
}

var cmpSorted = cmp.Transformer("sort", func(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
})

func TestWatcher(t *testing.T) {
	defer leaktest.Check(t)()

	q := &fakeQbt{maindata: []MainData{
		{Rid: 1, FullUpdate: true, Torrents: map[string]json.RawMessage{"a": raw("{}")}},
		{Rid: 2, Torrents: map[string]json.RawMessage{"a": raw(`{"progress":1}`)}},
		{Rid: 3, Torrents: map[string]json.RawMessage{"b": raw("{}")}},
		{Rid: 4},
	}}
	c, ts := testClient(t, q, "admin", "secret")
	require.NoError(t, c.Login(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	changes := NewWatcher(c, 5*time.Millisecond).Watch(ctx)

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported for the added torrent")
	}

	q.mu.Lock()
	polls := q.polls
	q.mu.Unlock()
	assert.GreaterOrEqual(t, polls, 3)

	cancel()
	for range changes {
	}
	c.httpClient.CloseIdleConnections()
	ts.Close()
}
