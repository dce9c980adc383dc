package sync

import (
	"context"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/types"
)

var (
	// ErrNoSnapshot is returned when a peer has no snapshot to serve.
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrUnknownRequest is returned for a plain request that is not a
	// snapshot request.
	ErrUnknownRequest = errors.New("unknown sync request")
)

// Requester sends a plain request to one peer.
type Requester interface {
	PlainRequest(ctx context.Context, data []byte) ([]byte, error)
}

// RequestSnapshot fetches, decompresses and validates a peer's snapshot.
func RequestSnapshot(ctx context.Context, peer Requester) (*Snapshot, error) {
	resp, err := peer.PlainRequest(ctx, buildSnapshotRequest())
	if err != nil {
		return nil, fmt.Errorf("send request:\n%w", err)
	}

	if len(resp) == 0 {
		return nil, ErrNoSnapshot
	}

	data, err := DecompressSnapshot(resp)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	s, err := ParseSnapshot(data)
	if err != nil {
		return nil, err
	}

	logger.Debug("received snapshot", "base", s.BaseHeight, "tip", s.Tip(), "compressed", len(resp))

	return s, nil
}

// buildSnapshotRequest creates a snapshot request frame.
func buildSnapshotRequest() []byte {
	builder := flatbuffers.NewBuilder(32)

	types.MessageStart(builder)
	types.MessageAddKind(builder, types.MessageKindSnapshot)
	builder.Finish(types.MessageEnd(builder))

	return builder.FinishedBytes()
}

// IsSnapshotRequest reports whether data is a snapshot request.
func IsSnapshotRequest(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return false
	}

	return types.GetRootAsMessage(data, 0).Kind() == types.MessageKindSnapshot
}

// HandleRequest answers a plain sync request with the latest compressed
// snapshot.
func HandleRequest(data []byte, manager *SnapshotManager) ([]byte, error) {
	if !IsSnapshotRequest(data) {
		return nil, ErrUnknownRequest
	}

	compressed, height := manager.Latest()
	if compressed == nil {
		return nil, ErrNoSnapshot
	}

	logger.Debug("sending snapshot", "tip", height, "size", len(compressed))

	return compressed, nil
}
