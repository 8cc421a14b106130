package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

func TestFormatMetadata(t *testing.T) {
	added := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	active := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
	it := &models.Item{
		Info: models.TorrentInfo{
			Name:              "Alpha",
			AddedOn:           added.Unix(),
			Availability:      1.5,
			ETA:               8640000,
			DownloadedSession: 10,
			Downloaded:        2048,
			UploadedSession:   5,
			Uploaded:          1024,
			LastActivity:      active.Unix(),
			Size:              4096,
			Progress:          0.25,
			Ratio:             0.5,
		},
		Properties: &models.Properties{DlSpeed: 300, UpSpeed: 40},
	}

	lines := strings.Split(string(FormatMetadata(it)), "\n")
	want := []string{
		"Alpha",
		time.Unix(added.Unix(), 0).Format(time.RFC3339),
		"1.5",
		"8640000",
		"10 2048",
		"5 1024",
		time.Unix(active.Unix(), 0).Format(time.RFC3339),
		"4096",
		"0.25",
		"0.5",
		"300",
		"40",
		"",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatMetadataWithoutProperties(t *testing.T) {
	it := &models.Item{Info: models.TorrentInfo{Name: "Beta"}}
	lines := strings.Split(strings.TrimSuffix(string(FormatMetadata(it)), "\n"), "\n")
	require.Len(t, lines, 12)
	assert.Equal(t, "0", lines[10])
	assert.Equal(t, "0", lines[11])
}

func TestPayloadPath(t *testing.T) {
	tests := []struct {
		name     string
		dataRoot string
		prefix   string
		savePath string
		file     string
		want     string
	}{
		{"no data root", "", "", "/downloads", "a.bin", ""},
		{"whole save path", "/mnt/data", "", "/downloads", "x/a.bin", "/mnt/data/downloads/x/a.bin"},
		{"prefix rewrite", "/mnt/data", "/downloads", "/downloads/music", "a.flac", "/mnt/data/music/a.flac"},
		{"prefix with slash", "/mnt/data", "/downloads/", "/downloads", "a.bin", "/mnt/data/a.bin"},
		{"prefix mismatch", "/mnt/data", "/downloads", "/other", "a.bin", ""},
		{"prefix is not a path prefix", "/mnt/data", "/down", "/downloads", "a.bin", ""},
		{"data root with slash", "/mnt/data/", "", "/dl", "a.bin", "/mnt/data/dl/a.bin"},
		{"dotdot leaves the prefix", "/mnt/data", "/downloads", "/downloads/../../../etc", "passwd", ""},
		{"dotdot above the save path root", "/mnt/data", "", "/../../etc", "passwd", "/mnt/data/etc/passwd"},
		{"relative save path", "/mnt/data", "", "downloads/../..", "a.bin", "/mnt/data/a.bin"},
		{"dotdot in file name", "/mnt/data", "/downloads", "/downloads", "../../etc/passwd", ""},
		{"dotdot inside save path", "/mnt/data", "/downloads", "/downloads/a", "x/../b.bin", "/mnt/data/a/b.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(Config{DataRoot: tt.dataRoot, SavePathPrefix: tt.prefix}, &fakeSource{}, nil)
			if got := f.payloadPath(tt.savePath, tt.file); got != tt.want {
				t.Errorf("payloadPath(%q, %q) = %q, want %q", tt.savePath, tt.file, got, tt.want)
			}
		})
	}
}

func payloadItem(savePath string, files ...models.SubItem) []models.Item {
	items := named("Alpha")
	items[0].Info.SavePath = savePath
	items[0].Files = files
	return items
}

func TestPayloadRead(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dl", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dl", "sub", "done.txt"), []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dl", "partial.bin"+incompleteSuffix), []byte("abc"), 0o644))

	items := payloadItem("/srv/dl",
		models.SubItem{Name: "sub/done.txt", Size: 11},
		models.SubItem{Name: "partial.bin", Size: 8},
		models.SubItem{Name: "missing.bin", Size: 4},
	)
	f, _ := newTestFS(t, Config{DataRoot: root, SavePathPrefix: "/srv"}, items)

	done := lookupPath(t, f, "/Alpha/sub/done.txt")
	require.NoError(t, f.Open(done.Ino, false))
	buf := make([]byte, 32)
	n, err := f.Read(done.Ino, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	// The incomplete file is found under its suffix and padded to size.
	partial := lookupPath(t, f, "/Alpha/partial.bin")
	n, err = f.Read(partial.Ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc\x00\x00\x00\x00\x00"), buf[:n])

	missing := lookupPath(t, f, "/Alpha/missing.bin")
	for i := range buf {
		buf[i] = 0xff
	}
	n, err = f.Read(missing.Ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), buf[:n])

	assert.Equal(t, int64(11-6+8+4), f.GetStats().BytesRead)
}

func TestPayloadWithoutDataRoot(t *testing.T) {
	f, _ := newTestFS(t, Config{}, payloadItem("/srv/dl", models.SubItem{Name: "a.bin", Size: 4}))
	e := lookupPath(t, f, "/Alpha/a.bin")

	if err := f.Open(e.Ino, false); !errors.Is(err, tree.ErrNoPayload) {
		t.Errorf("Open = %v, want ErrNoPayload", err)
	}
	if _, err := f.Read(e.Ino, make([]byte, 4), 0); !errors.Is(err, tree.ErrNoPayload) {
		t.Errorf("Read = %v, want ErrNoPayload", err)
	}

	// Metadata stays readable.
	meta := lookupPath(t, f, "/Alpha/.metadata")
	assert.NoError(t, f.Open(meta.Ino, false))
}

func TestPayloadOutsideDataRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0o644))

	items := payloadItem("/srv/../"+outside, models.SubItem{Name: "secret", Size: 6})
	f, _ := newTestFS(t, Config{DataRoot: root, SavePathPrefix: "/srv"}, items)
	e := lookupPath(t, f, "/Alpha/secret")

	if err := f.Open(e.Ino, false); !errors.Is(err, tree.ErrNoPayload) {
		t.Errorf("Open = %v, want ErrNoPayload", err)
	}
	_, err := f.Read(e.Ino, make([]byte, 6), 0)
	assert.ErrorIs(t, err, tree.ErrNoPayload)
}
