package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

// MetadataFile is the synthetic per-item metadata file.
const MetadataFile = ".metadata"

// incompleteSuffix is appended by qBittorrent to files still downloading
// when "append .!qB extension" is enabled.
const incompleteSuffix = ".!qB"

// FormatMetadata renders the twelve-line metadata file of an item.
func FormatMetadata(it *models.Item) []byte {
	info := &it.Info
	var props models.Properties
	if it.Properties != nil {
		props = *it.Properties
	}

	lines := []string{
		info.Name,
		time.Unix(info.AddedOn, 0).Format(time.RFC3339),
		strconv.FormatFloat(float64(info.Availability), 'f', -1, 32),
		strconv.FormatInt(info.ETA, 10),
		fmt.Sprintf("%d %d", info.DownloadedSession, info.Downloaded),
		fmt.Sprintf("%d %d", info.UploadedSession, info.Uploaded),
		time.Unix(info.LastActivity, 0).Format(time.RFC3339),
		strconv.FormatInt(info.Size, 10),
		strconv.FormatFloat(float64(info.Progress), 'f', -1, 32),
		strconv.FormatFloat(info.Ratio, 'f', -1, 64),
		strconv.FormatInt(props.DlSpeed, 10),
		strconv.FormatInt(props.UpSpeed, 10),
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// payload serves a torrent file from the local data root. Bytes missing on
// disk read as zeros so content always matches the reported size.
type payload struct {
	path string
}

// ReadAt implements tree.Content.
func (p payload) ReadAt(dest []byte, off int64) (int, error) {
	if p.path == "" {
		return 0, tree.ErrNoPayload
	}
	n, err := readLocal(p.path, dest, off)
	if errors.Is(err, fs.ErrNotExist) {
		n, err = readLocal(p.path+incompleteSuffix, dest, off)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) && err != io.EOF {
		return n, err
	}
	clear(dest[n:])
	return len(dest), nil
}

// Available reports whether the payload can be read at all.
func (p payload) Available() error {
	if p.path == "" {
		return tree.ErrNoPayload
	}
	return nil
}

func readLocal(path string, dest []byte, off int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(dest, off)
}

// payloadPath maps a torrent file to its local path, or "" when the file
// cannot be located under the data root. Paths that would leave the data
// root after cleaning are refused.
func (f *FS) payloadPath(savePath, name string) string {
	if f.cfg.DataRoot == "" {
		return ""
	}
	rel := path.Clean("/" + savePath)
	if f.cfg.SavePathPrefix != "" {
		prefix := path.Clean("/" + f.cfg.SavePathPrefix)
		if prefix != "/" {
			if rel != prefix && !strings.HasPrefix(rel, prefix+"/") {
				return ""
			}
			rel = strings.TrimPrefix(rel, prefix)
		}
	}
	root := filepath.Clean(f.cfg.DataRoot)
	p := filepath.Join(root, filepath.FromSlash(rel), filepath.FromSlash(name))
	if !strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator)) {
		return ""
	}
	return p
}
