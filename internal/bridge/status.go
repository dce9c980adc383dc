package bridge

import (
	"encoding/hex"

	"TrusteeBridge/internal/coordinator"
)

// Status is a point-in-time view of the node.
type Status struct {
	Network       string          `json:"network"`
	TipHeight     uint64          `json:"tipHeight"`
	TipHash       string          `json:"tipHash"`
	BaseHeight    uint64          `json:"baseHeight"`
	Confirmations uint64          `json:"confirmations"`
	Epoch         uint64          `json:"epoch"`
	Threshold     int             `json:"threshold"`
	Members       int             `json:"members"`
	HotPubKey     string          `json:"hotPubKey,omitempty"`
	Rotation      string          `json:"rotation,omitempty"`
	Trustee       bool            `json:"trustee"`
	Pending       int             `json:"pendingDeposits"`
	Confirmed     int             `json:"confirmedDeposits"`
	Reserve       int64           `json:"reserve"`
	Free          int64           `json:"free"`
	Sessions      []SessionStatus `json:"sessions"`
	Orphans       int             `json:"orphans"`
	Snapshot      uint64          `json:"snapshotHeight"`
	Fault         string          `json:"fault,omitempty"`
	LastEvent     uint64          `json:"lastEvent"`
}

// SessionStatus describes a live signing session.
type SessionStatus struct {
	ID      string `json:"id"`
	Suite   string `json:"suite"`
	Epoch   uint64 `json:"epoch"`
	Round   string `json:"round"`
	Invited int    `json:"invited"`
}

// Status collects the current state of every component.
func (b *Bridge) Status() Status {
	tip := b.verifier.Tip()
	base := b.verifier.Base()

	st := Status{
		Network:       b.params.Name,
		TipHeight:     tip.Height,
		TipHash:       tip.Hash.String(),
		BaseHeight:    base.Height,
		Confirmations: b.verifier.Depth(),
		Trustee:       b.signer != nil,
		Pending:       len(b.verifier.PendingDeposits()),
		Confirmed:     len(b.verifier.ConfirmedDeposits()),
		Orphans:       b.relay.Orphans(),
		LastEvent:     b.events.Last(),
		Sessions:      sessionStatuses(b.coord.Sessions()),
	}

	if set := b.trustees.Current(); set != nil {
		st.Epoch = set.Epoch
		st.Threshold = set.Threshold
		st.Members = set.Size()
		st.HotPubKey = hex.EncodeToString(set.HotPubKey)
		st.Reserve, st.Free = b.coord.Reserve().Balance(set.Epoch)
	}

	if r, ok := b.trustees.Pending(); ok {
		st.Rotation = r.Stage.String()
	}

	if f := b.verifier.Fault(); f != nil {
		st.Fault = f.Error()
	}

	_, st.Snapshot = b.snaps.Latest()

	return st
}

// sessionStatuses converts coordinator sessions for display.
func sessionStatuses(infos []coordinator.SessionInfo) []SessionStatus {
	out := make([]SessionStatus, 0, len(infos))
	for _, s := range infos {
		out = append(out, SessionStatus{
			ID:      s.ID.String(),
			Suite:   s.Suite.String(),
			Epoch:   s.Epoch,
			Round:   s.Round.String(),
			Invited: s.Invited,
		})
	}

	return out
}
