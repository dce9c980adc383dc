package channel

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"TrusteeBridge/internal/types"
)

var (
	// ErrReplayOrOutOfOrder is returned for any sequence number other than
	// the one following the last accepted message.
	ErrReplayOrOutOfOrder = errors.New("replayed or out-of-order message")

	// ErrDecrypt is returned when a frame fails authentication.
	ErrDecrypt = errors.New("message authentication failed")

	// ErrMalformed is returned for frames that are not envelopes.
	ErrMalformed = errors.New("malformed envelope")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
)

// chain is one direction of the symmetric ratchet.
type chain struct {
	key [keySize]byte // key is the current chain key
	seq uint64        // seq is the last sequence sent or accepted
}

// step derives the message key for the next message and the chain key
// that follows it.
func step(key [keySize]byte) (msgKey, next [keySize]byte) {
	h, _ := blake3.NewKeyed(key[:])
	h.Write([]byte{0x01})
	h.Sum(msgKey[:0])

	h.Reset()
	h.Write([]byte{0x02})
	h.Sum(next[:0])

	return msgKey, next
}

// Channel is an open secure channel to one peer. Seal and Open may be
// called concurrently; each direction is serialized.
type Channel struct {
	local  ed25519.PublicKey // local is this side's identity
	remote ed25519.PublicKey // remote is the authenticated peer identity

	sendMu sync.Mutex
	send   chain // send is the outgoing ratchet
	recvMu sync.Mutex
	recv   chain // recv is the incoming ratchet
	closed bool  // closed is set by Close under both locks
}

// newChannel creates a channel from derived chain keys.
func newChannel(local, remote ed25519.PublicKey, send, recv [keySize]byte) *Channel {
	return &Channel{
		local:  local,
		remote: remote,
		send:   chain{key: send},
		recv:   chain{key: recv},
	}
}

// Remote returns the authenticated identity of the peer.
func (c *Channel) Remote() ed25519.PublicKey {
	return c.remote
}

// Local returns this side's identity.
func (c *Channel) Local() ed25519.PublicKey {
	return c.local
}

// Seal encrypts plaintext as the next message and returns the envelope.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	seq := c.send.seq + 1
	msgKey, next := step(c.send.key)
	defer wipe(msgKey[:])

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, fmt.Errorf("cipher:\n%w", err)
	}

	nonce, ad := frameNonce(seq)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, ad[:])

	c.send.key = next
	c.send.seq = seq

	return encodeEnvelope(seq, ciphertext), nil
}

// Open authenticates and decrypts an envelope. Replayed, reordered,
// forged or malformed frames are rejected and leave the channel unchanged.
func (c *Channel) Open(frame []byte) ([]byte, error) {
	seq, ciphertext, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if seq != c.recv.seq+1 {
		return nil, fmt.Errorf("%w: seq %d, last %d", ErrReplayOrOutOfOrder, seq, c.recv.seq)
	}

	msgKey, next := step(c.recv.key)
	defer wipe(msgKey[:])

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, fmt.Errorf("cipher:\n%w", err)
	}

	nonce, ad := frameNonce(seq)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad[:])
	if err != nil {
		return nil, fmt.Errorf("%w: seq %d", ErrDecrypt, seq)
	}

	c.recv.key = next
	c.recv.seq = seq

	return plaintext, nil
}

// Sequences returns the last sent and last accepted sequence numbers.
func (c *Channel) Sequences() (sent, received uint64) {
	c.sendMu.Lock()
	sent = c.send.seq
	c.sendMu.Unlock()

	c.recvMu.Lock()
	received = c.recv.seq
	c.recvMu.Unlock()

	return sent, received
}

// Close erases the chain keys. Further Seal and Open calls fail.
func (c *Channel) Close() {
	c.sendMu.Lock()
	c.recvMu.Lock()
	defer c.sendMu.Unlock()
	defer c.recvMu.Unlock()

	wipe(c.send.key[:])
	wipe(c.recv.key[:])
	c.closed = true
}

// frameNonce returns the AEAD nonce and associated data for seq.
// Each message key is used once, so the nonce only needs to be fixed.
func frameNonce(seq uint64) (nonce [chacha20poly1305.NonceSize]byte, ad [8]byte) {
	binary.BigEndian.PutUint64(ad[:], seq)
	copy(nonce[chacha20poly1305.NonceSize-8:], ad[:])

	return nonce, ad
}

// encodeEnvelope builds an Envelope frame.
func encodeEnvelope(seq uint64, ciphertext []byte) []byte {
	b := flatbuffers.NewBuilder(len(ciphertext) + 32)

	ctOff := b.CreateByteVector(ciphertext)

	types.EnvelopeStart(b)
	types.EnvelopeAddSeq(b, seq)
	types.EnvelopeAddCiphertext(b, ctOff)
	b.Finish(types.EnvelopeEnd(b))

	return b.FinishedBytes()
}

// decodeEnvelope parses an Envelope frame.
func decodeEnvelope(frame []byte) (seq uint64, ciphertext []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	if len(frame) < flatbuffers.SizeUOffsetT {
		return 0, nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	env := types.GetRootAsEnvelope(frame, 0)

	ciphertext = env.CiphertextBytes()
	if len(ciphertext) < chacha20poly1305.Overhead {
		return 0, nil, fmt.Errorf("%w: ciphertext size %d", ErrMalformed, len(ciphertext))
	}

	return env.Seq(), bytes.Clone(ciphertext), nil
}
