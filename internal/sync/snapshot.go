package sync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/types"
)

// snapshotVersion is the current snapshot format version.
const snapshotVersion = 1

var (
	// ErrChecksum is returned when a snapshot does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")

	// ErrVersion is returned for an unsupported snapshot version.
	ErrVersion = errors.New("unsupported snapshot version")

	// ErrMalformed is returned for a snapshot that does not form a chain.
	ErrMalformed = errors.New("malformed snapshot")
)

// Header is one main-chain header in a snapshot.
type Header struct {
	Height uint64 // Height is the header's chain height
	Raw    []byte // Raw is the 80-byte serialized header
}

// Snapshot is a contiguous run of main-chain headers ending at the tip of
// the node that produced it.
type Snapshot struct {
	Version    uint32   // Version is the format version
	BaseHeight uint64   // BaseHeight is the height of the first header
	Headers    []Header // Headers are ordered by height
}

// Tip returns the height of the last header.
func (s *Snapshot) Tip() uint64 {
	if len(s.Headers) == 0 {
		return s.BaseHeight
	}

	return s.Headers[len(s.Headers)-1].Height
}

// Checkpoint returns the first header as a chain start for a fresh
// verifier. Work is counted from the checkpoint, which only matters
// relative to other branches above it.
func (s *Snapshot) Checkpoint() (headers.Checkpoint, error) {
	if len(s.Headers) == 0 {
		return headers.Checkpoint{}, fmt.Errorf("%w: no headers", ErrMalformed)
	}

	h, err := btc.DecodeHeader(s.Headers[0].Raw)
	if err != nil {
		return headers.Checkpoint{}, fmt.Errorf("decode base header:\n%w", err)
	}

	return headers.Checkpoint{Header: *h, Height: s.BaseHeight}, nil
}

// BuildSnapshot serializes records, which must be consecutive main-chain
// headers, into a checksummed snapshot.
func BuildSnapshot(records []headers.Record) []byte {
	hdrs := make([]Header, len(records))
	for i := range records {
		hdrs[i] = Header{Height: records[i].Height, Raw: btc.EncodeHeader(&records[i].Header)}
	}

	var base uint64
	if len(hdrs) > 0 {
		base = hdrs[0].Height
	}

	checksum := computeChecksum(snapshotVersion, base, hdrs)

	builder := flatbuffers.NewBuilder(len(hdrs)*(btc.HeaderSize+32) + 128)

	offsets := make([]flatbuffers.UOffsetT, len(hdrs))
	for i, h := range hdrs {
		rawOffset := builder.CreateByteVector(h.Raw)

		types.SnapshotHeaderStart(builder)
		types.SnapshotHeaderAddRaw(builder, rawOffset)
		types.SnapshotHeaderAddHeight(builder, h.Height)
		offsets[i] = types.SnapshotHeaderEnd(builder)
	}

	types.HeaderSnapshotStartHeadersVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	headersVector := builder.EndVector(len(offsets))

	checksumOffset := builder.CreateByteVector(checksum[:])

	types.HeaderSnapshotStart(builder)
	types.HeaderSnapshotAddVersion(builder, snapshotVersion)
	types.HeaderSnapshotAddBaseHeight(builder, base)
	types.HeaderSnapshotAddHeaders(builder, headersVector)
	types.HeaderSnapshotAddChecksum(builder, checksumOffset)
	builder.Finish(types.HeaderSnapshotEnd(builder))

	return builder.FinishedBytes()
}

// ParseSnapshot decodes a snapshot and checks its checksum, its heights and
// that every header links to the previous one.
func ParseSnapshot(data []byte) (s *Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: short buffer", ErrMalformed)
	}

	fb := types.GetRootAsHeaderSnapshot(data, 0)

	if fb.Version() != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, fb.Version())
	}

	s = &Snapshot{
		Version:    fb.Version(),
		BaseHeight: fb.BaseHeight(),
		Headers:    make([]Header, fb.HeadersLength()),
	}

	var h types.SnapshotHeader
	for i := range s.Headers {
		if !fb.Headers(&h, i) {
			return nil, fmt.Errorf("%w: header %d", ErrMalformed, i)
		}

		s.Headers[i] = Header{Height: h.Height(), Raw: bytes.Clone(h.RawBytes())}
	}

	computed := computeChecksum(s.Version, s.BaseHeight, s.Headers)
	if !bytes.Equal(computed[:], fb.ChecksumBytes()) {
		return nil, ErrChecksum
	}

	if err := checkLinks(s); err != nil {
		return nil, err
	}

	return s, nil
}

// checkLinks verifies heights are consecutive from the base and each
// header names its predecessor.
func checkLinks(s *Snapshot) error {
	var prev *wire.BlockHeader

	for i, h := range s.Headers {
		if h.Height != s.BaseHeight+uint64(i) {
			return fmt.Errorf("%w: height %d at position %d", ErrMalformed, h.Height, i)
		}

		if len(h.Raw) != btc.HeaderSize {
			return fmt.Errorf("%w: header %d is %d bytes", ErrMalformed, h.Height, len(h.Raw))
		}

		decoded, err := btc.DecodeHeader(h.Raw)
		if err != nil {
			return fmt.Errorf("%w: header %d: %v", ErrMalformed, h.Height, err)
		}

		if prev != nil && decoded.PrevBlock != prev.BlockHash() {
			return fmt.Errorf("%w: header %d does not extend %d", ErrMalformed, h.Height, h.Height-1)
		}

		prev = decoded
	}

	return nil
}

// computeChecksum hashes the canonical snapshot content.
// Format: version (4) + base height (8) + per header: height (8) + raw.
func computeChecksum(version uint32, base uint64, hdrs []Header) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], base)
	hasher.Write(buf[:])

	for _, h := range hdrs {
		binary.BigEndian.PutUint64(buf[:], h.Height)
		hasher.Write(buf[:])
		hasher.Write(h.Raw)
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum
}

// Apply submits the snapshot headers above the verifier's base. Headers
// already known are skipped. It returns how many headers were accepted.
func Apply(v *headers.Verifier, s *Snapshot) (int, error) {
	base := v.Base().Height
	accepted := 0

	for _, h := range s.Headers {
		if h.Height <= base {
			continue
		}

		if _, err := v.SubmitHeader(h.Raw); err != nil {
			if headers.RejectReason(err) == headers.Duplicate {
				continue
			}
			return accepted, fmt.Errorf("apply header %d:\n%w", h.Height, err)
		}

		accepted++
	}

	return accepted, nil
}

// CompressSnapshot compresses snapshot data using zstd.
func CompressSnapshot(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// DecompressSnapshot decompresses zstd-compressed snapshot data.
func DecompressSnapshot(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
