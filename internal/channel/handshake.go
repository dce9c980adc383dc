// Package channel implements authenticated, encrypted, strictly ordered
// point-to-point channels between trustees.
//
// A channel is opened with a two-message handshake: each side sends an
// ephemeral X25519 key signed by its long-term ed25519 identity. The
// shared secret is expanded with HKDF into one chain key per direction.
// Every sealed message advances the chain, so a compromised message key
// reveals neither earlier nor later traffic.
package channel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"TrusteeBridge/internal/types"
)

const (
	// protocolLabel binds signatures and derived keys to this protocol.
	protocolLabel = "trustee-channel/v1"

	// keySize is the size of chain and message keys.
	keySize = 32
)

var (
	// ErrBadHandshake is returned for malformed or unsigned handshake frames.
	ErrBadHandshake = errors.New("bad handshake")

	// ErrUnexpectedPeer is returned when the remote identity is not the
	// expected or allowed one.
	ErrUnexpectedPeer = errors.New("unexpected peer identity")
)

// Initiator holds the state of a handshake this side started.
type Initiator struct {
	identity  ed25519.PrivateKey // identity is the local long-term key
	remote    ed25519.PublicKey  // remote is the expected responder
	ephemeral [32]byte           // ephemeral is the X25519 secret
	ephPub    []byte             // ephPub is the X25519 public key sent
}

// Initiate starts a handshake towards remote and returns the hello frame.
func Initiate(identity ed25519.PrivateKey, remote ed25519.PublicKey) (*Initiator, []byte, error) {
	if len(remote) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("remote identity size %d", len(remote))
	}

	in := &Initiator{identity: identity, remote: remote}

	pub, err := newEphemeral(&in.ephemeral)
	if err != nil {
		return nil, nil, err
	}
	in.ephPub = pub

	local := identity.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(identity, helloTranscript(remote, pub))

	return in, encodeHandshake(local, pub, nil, sig), nil
}

// Finish verifies the responder's reply and returns the open channel.
func (in *Initiator) Finish(reply []byte) (*Channel, error) {
	defer wipe(in.ephemeral[:])

	identity, eph, peerEph, sig, err := decodeHandshake(reply)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(identity, in.remote) {
		return nil, fmt.Errorf("%w: %x", ErrUnexpectedPeer, identity)
	}

	if !bytes.Equal(peerEph, in.ephPub) {
		return nil, fmt.Errorf("%w: reply is for another hello", ErrBadHandshake)
	}

	local := in.identity.Public().(ed25519.PublicKey)
	if !ed25519.Verify(identity, replyTranscript(local, in.ephPub, eph), sig) {
		return nil, fmt.Errorf("%w: reply signature", ErrBadHandshake)
	}

	send, recv, err := deriveChains(in.ephemeral[:], eph, in.ephPub, eph, local, identity)
	if err != nil {
		return nil, err
	}

	return newChannel(local, identity, send, recv), nil
}

// Respond answers a hello frame. allow decides whether the initiator's
// identity may open a channel; nil allows anyone.
func Respond(identity ed25519.PrivateKey, hello []byte, allow func(ed25519.PublicKey) bool) (*Channel, []byte, error) {
	remote, peerEph, _, sig, err := decodeHandshake(hello)
	if err != nil {
		return nil, nil, err
	}

	if allow != nil && !allow(remote) {
		return nil, nil, fmt.Errorf("%w: %x", ErrUnexpectedPeer, remote)
	}

	local := identity.Public().(ed25519.PublicKey)
	if !ed25519.Verify(remote, helloTranscript(local, peerEph), sig) {
		return nil, nil, fmt.Errorf("%w: hello signature", ErrBadHandshake)
	}

	var secret [32]byte
	defer wipe(secret[:])

	eph, err := newEphemeral(&secret)
	if err != nil {
		return nil, nil, err
	}

	// Chains are labelled from the initiator's point of view.
	toResponder, toInitiator, err := deriveChains(secret[:], peerEph, peerEph, eph, remote, local)
	if err != nil {
		return nil, nil, err
	}

	replySig := ed25519.Sign(identity, replyTranscript(remote, peerEph, eph))
	reply := encodeHandshake(local, eph, peerEph, replySig)

	return newChannel(local, remote, toInitiator, toResponder), reply, nil
}

// newEphemeral fills secret with a fresh X25519 key and returns its public half.
func newEphemeral(secret *[32]byte) ([]byte, error) {
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return nil, fmt.Errorf("read ephemeral:\n%w", err)
	}

	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral public key:\n%w", err)
	}

	return pub, nil
}

// deriveChains computes the two directional chain keys. The first returned
// key protects initiator-to-responder traffic.
func deriveChains(secret, peerEph, initEph, respEph []byte, initID, respID ed25519.PublicKey) ([keySize]byte, [keySize]byte, error) {
	var toResp, toInit [keySize]byte

	shared, err := curve25519.X25519(secret, peerEph)
	if err != nil {
		return toResp, toInit, fmt.Errorf("%w: key agreement:\n%v", ErrBadHandshake, err)
	}
	defer wipe(shared)

	salt := make([]byte, 0, len(initEph)+len(respEph))
	salt = append(salt, initEph...)
	salt = append(salt, respEph...)

	info := make([]byte, 0, len(protocolLabel)+2*ed25519.PublicKeySize)
	info = append(info, protocolLabel...)
	info = append(info, initID...)
	info = append(info, respID...)

	kdf := hkdf.New(sha256.New, shared, salt, info)
	if _, err := io.ReadFull(kdf, toResp[:]); err != nil {
		return toResp, toInit, fmt.Errorf("expand keys:\n%w", err)
	}
	if _, err := io.ReadFull(kdf, toInit[:]); err != nil {
		return toResp, toInit, fmt.Errorf("expand keys:\n%w", err)
	}

	return toResp, toInit, nil
}

// helloTranscript is what the initiator signs.
func helloTranscript(responder ed25519.PublicKey, initEph []byte) []byte {
	out := make([]byte, 0, len(protocolLabel)+6+len(responder)+len(initEph))
	out = append(out, protocolLabel...)
	out = append(out, "/hello"...)
	out = append(out, responder...)
	out = append(out, initEph...)

	return out
}

// replyTranscript is what the responder signs.
func replyTranscript(initiator ed25519.PublicKey, initEph, respEph []byte) []byte {
	out := make([]byte, 0, len(protocolLabel)+6+len(initiator)+len(initEph)+len(respEph))
	out = append(out, protocolLabel...)
	out = append(out, "/reply"...)
	out = append(out, initiator...)
	out = append(out, initEph...)
	out = append(out, respEph...)

	return out
}

// encodeHandshake builds a Handshake frame.
func encodeHandshake(identity, eph, peerEph, sig []byte) []byte {
	b := flatbuffers.NewBuilder(256)

	sigOff := b.CreateByteVector(sig)
	var peerOff flatbuffers.UOffsetT
	if peerEph != nil {
		peerOff = b.CreateByteVector(peerEph)
	}
	ephOff := b.CreateByteVector(eph)
	idOff := b.CreateByteVector(identity)

	types.HandshakeStart(b)
	types.HandshakeAddIdentity(b, idOff)
	types.HandshakeAddEphemeral(b, ephOff)
	if peerEph != nil {
		types.HandshakeAddPeerEphemeral(b, peerOff)
	}
	types.HandshakeAddSignature(b, sigOff)
	b.Finish(types.HandshakeEnd(b))

	return b.FinishedBytes()
}

// decodeHandshake parses and size-checks a Handshake frame.
func decodeHandshake(data []byte) (identity ed25519.PublicKey, eph, peerEph, sig []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBadHandshake, r)
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, nil, nil, nil, fmt.Errorf("%w: short frame", ErrBadHandshake)
	}

	hs := types.GetRootAsHandshake(data, 0)

	identity = bytes.Clone(hs.IdentityBytes())
	eph = bytes.Clone(hs.EphemeralBytes())
	peerEph = bytes.Clone(hs.PeerEphemeralBytes())
	sig = bytes.Clone(hs.SignatureBytes())

	switch {
	case len(identity) != ed25519.PublicKeySize:
		return nil, nil, nil, nil, fmt.Errorf("%w: identity size %d", ErrBadHandshake, len(identity))
	case len(eph) != curve25519.PointSize:
		return nil, nil, nil, nil, fmt.Errorf("%w: ephemeral size %d", ErrBadHandshake, len(eph))
	case len(peerEph) != 0 && len(peerEph) != curve25519.PointSize:
		return nil, nil, nil, nil, fmt.Errorf("%w: peer ephemeral size %d", ErrBadHandshake, len(peerEph))
	case len(sig) != ed25519.SignatureSize:
		return nil, nil, nil, nil, fmt.Errorf("%w: signature size %d", ErrBadHandshake, len(sig))
	}

	return identity, eph, peerEph, sig, nil
}

// wipe zeroes key material.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
