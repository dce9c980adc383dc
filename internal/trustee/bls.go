package trustee

import (
	"crypto/ed25519"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for rotation acknowledgements.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// blsKeygenTag binds a trustee's BLS key to its identity key.
const blsKeygenTag = "trustee-bridge bls keygen v1"

// BLSKeyPair holds a trustee's acknowledgement key.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveBLSKey derives a deterministic BLS key pair from an ed25519
// identity key.
func DeriveBLSKey(identity ed25519.PrivateKey) (*BLSKeyPair, error) {
	var derived [32]byte
	blake3.DeriveKey(blsKeygenTag, identity.Seed(), derived[:])

	return blsKeyFromSeed(derived[:])
}

// blsKeyFromSeed creates a BLS key pair from at least 32 bytes of seed.
func blsKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSKeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the compressed public key.
func (k *BLSKeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// VerifyBLS checks one signature against a message and public key.
func VerifyBLS(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateBLS combines signatures over the same message.
func AggregateBLS(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))
	for i, raw := range signatures {
		if len(raw) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}
		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregatedBLS verifies an aggregate signature over one message
// against the signers' public keys.
func VerifyAggregatedBLS(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	for i, raw := range publicKeys {
		if len(raw) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil {
			return false
		}
		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// signerBitmap marks the member positions that acknowledged.
func signerBitmap(positions []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, p := range positions {
		if p >= 0 && p < total {
			bitmap[p/8] |= 1 << (p % 8)
		}
	}

	return bitmap
}

// bitmapPositions extracts the member positions from a bitmap.
func bitmapPositions(bitmap []byte) []int {
	var positions []int

	for i, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				positions = append(positions, i*8+bit)
			}
		}
	}

	return positions
}
