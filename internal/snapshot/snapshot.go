// Package snapshot persists the last fetched item list so a mount can
// start while qBittorrent is unreachable.
//
// File layout:
//
//	magic   [8]byte  "QBTFSNAP"
//	version uint16   big endian
//	digest  [32]byte BLAKE3-256 of the payload
//	payload          zstd(CBOR(record))
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/qbtfs/qbtfs/internal/models"
)

// Version is the current file format version.
const Version = 1

const headerSize = 8 + 2 + 32

var magic = [8]byte{'Q', 'B', 'T', 'F', 'S', 'N', 'A', 'P'}

var (
	ErrCorrupt     = errors.New("snapshot is corrupt")
	ErrVersion     = errors.New("unsupported snapshot version")
	ErrNoSnapshot  = errors.New("no snapshot")
	ErrEmptyServer = errors.New("snapshot has no server URL")
)

// Snapshot is a stored item list.
type Snapshot struct {
	SavedAt time.Time
	// Server is the Web UI URL the items were fetched from.
	Server string
	Items  []models.Item
}

type record struct {
	SavedAt int64         `cbor:"saved_at"`
	Server  string        `cbor:"server"`
	Items   []models.Item `cbor:"items"`
}

var (
	encMode    cbor.EncMode
	decMode    cbor.DecMode
	zstdWriter *zstd.Encoder
	zstdReader *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
	zstdWriter, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdReader, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes s into the file layout.
func Encode(s *Snapshot) ([]byte, error) {
	if s.Server == "" {
		return nil, ErrEmptyServer
	}
	raw, err := encMode.Marshal(record{
		SavedAt: s.SavedAt.Unix(),
		Server:  s.Server,
		Items:   s.Items,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	payload := zstdWriter.EncodeAll(raw, nil)
	digest := blake3.Sum256(payload)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(magic[:])
	binary.Write(&buf, binary.BigEndian, uint16(Version))
	buf.Write(digest[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses data produced by Encode. A digest mismatch or a payload
// that does not decode yields ErrCorrupt.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerSize || !bytes.Equal(data[:8], magic[:]) {
		return nil, ErrCorrupt
	}
	if v := binary.BigEndian.Uint16(data[8:10]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	var want [32]byte
	copy(want[:], data[10:headerSize])
	payload := data[headerSize:]
	if blake3.Sum256(payload) != want {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	raw, err := zstdReader.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var rec record
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Snapshot{
		SavedAt: time.Unix(rec.SavedAt, 0),
		Server:  rec.Server,
		Items:   rec.Items,
	}, nil
}
