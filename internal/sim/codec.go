package sim

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"polyflow/internal/fsutil"
)

// Checkpoint file layout, all integers big-endian:
//
//	magic    [4]byte "PFCK"
//	version  uint16
//	kind     uint8
//	reserved uint8
//	checksum uint64  xxh3 of the uncompressed payload
//	length   uint64  uncompressed payload length
//	payload  zstd(gob(value))
const (
	codecVersion = 1
	headerSize   = 4 + 2 + 1 + 1 + 8 + 8
	// maxPayload bounds the decoded size accepted from a header.
	maxPayload = 1 << 28
)

var codecMagic = [4]byte{'P', 'F', 'C', 'K'}

type payloadKind uint8

const (
	kindState  payloadKind = 1
	kindConfig payloadKind = 2
)

func (k payloadKind) String() string {
	switch k {
	case kindState:
		return "state"
	case kindConfig:
		return "config"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrCorrupt is returned when a checkpoint file fails validation.
var ErrCorrupt = errors.New("corrupt checkpoint")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
)

func encode(kind payloadKind, v any) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	raw := payload.Bytes()

	out := make([]byte, headerSize, headerSize+len(raw)/2)
	copy(out[0:4], codecMagic[:])
	binary.BigEndian.PutUint16(out[4:6], codecVersion)
	out[6] = byte(kind)
	binary.BigEndian.PutUint64(out[8:16], xxh3.Hash(raw))
	binary.BigEndian.PutUint64(out[16:24], uint64(len(raw)))
	return encoder.EncodeAll(raw, out), nil
}

func decode(kind payloadKind, data []byte, v any) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[0:4], codecMagic[:]) {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if ver := binary.BigEndian.Uint16(data[4:6]); ver != codecVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, ver)
	}
	if got := payloadKind(data[6]); got != kind {
		return fmt.Errorf("%w: holds %s, want %s", ErrCorrupt, got, kind)
	}
	sum := binary.BigEndian.Uint64(data[8:16])
	n := binary.BigEndian.Uint64(data[16:24])
	if n > maxPayload {
		return fmt.Errorf("%w: payload length %d too large", ErrCorrupt, n)
	}

	raw, err := decoder.DecodeAll(data[headerSize:], make([]byte, 0, n))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(raw)) != n {
		return fmt.Errorf("%w: payload length %d, header says %d", ErrCorrupt, len(raw), n)
	}
	if xxh3.Hash(raw) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func writeFile(path string, kind payloadKind, v any) error {
	data, err := encode(kind, v)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func readFile(path string, kind payloadKind, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(kind, data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
