package trustee

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
)

// ErrShareMismatch is returned when a key file does not belong to a set.
var ErrShareMismatch = errors.New("key share does not match trustee set")

// KeyFile holds one trustee's secret shares for an epoch.
type KeyFile struct {
	Epoch uint64            // Epoch is the set the shares belong to
	Hot   *signing.KeyShare // Hot signs reserve spends
	Cold  *signing.KeyShare // Cold is kept offline, may be nil
	Chain *signing.KeyShare // Chain signs layer-2 attestations
}

type shareRecord struct {
	Suite     uint8  `codec:"suite"`
	Index     uint32 `codec:"index"`
	Threshold int    `codec:"threshold"`
	Secret    []byte `codec:"secret"`
	GroupKey  []byte `codec:"group"`
}

type keyFileRecord struct {
	Epoch uint64       `codec:"epoch"`
	Hot   shareRecord  `codec:"hot"`
	Cold  *shareRecord `codec:"cold"`
	Chain shareRecord  `codec:"chain"`
}

// Install registers the signing shares with a signer.
func (kf *KeyFile) Install(s *signing.Signer) {
	s.AddShare(kf.Epoch, kf.Hot)
	if kf.Chain != nil {
		s.AddShare(kf.Epoch, kf.Chain)
	}
}

// Matches checks that the shares are the ones member holds in set.
func (kf *KeyFile) Matches(set *Set, member Member) error {
	if kf.Epoch != set.Epoch {
		return fmt.Errorf("%w: epoch %d, set %d", ErrShareMismatch, kf.Epoch, set.Epoch)
	}

	hotPub, err := kf.Hot.Public.MarshalBinary()
	if err != nil {
		return err
	}

	if kf.Hot.Index != member.Index || !bytes.Equal(hotPub, member.HotKey) {
		return fmt.Errorf("%w: hot share of %s", ErrShareMismatch, ShortID(member.ID))
	}

	if kf.Chain != nil {
		chainPub, err := kf.Chain.Public.MarshalBinary()
		if err != nil {
			return err
		}
		if !bytes.Equal(chainPub, member.ChainKey) {
			return fmt.Errorf("%w: chain share of %s", ErrShareMismatch, ShortID(member.ID))
		}
	}

	return nil
}

// EncodeKeyFile serializes a key file.
func EncodeKeyFile(kf *KeyFile) ([]byte, error) {
	rec := keyFileRecord{Epoch: kf.Epoch}

	var err error
	if rec.Hot, err = toShareRecord(kf.Hot); err != nil {
		return nil, err
	}
	if kf.Chain != nil {
		if rec.Chain, err = toShareRecord(kf.Chain); err != nil {
			return nil, err
		}
	}
	if kf.Cold != nil {
		cold, err := toShareRecord(kf.Cold)
		if err != nil {
			return nil, err
		}
		rec.Cold = &cold
	}

	return storage.Encode(rec)
}

// DecodeKeyFile parses a key file.
func DecodeKeyFile(data []byte) (*KeyFile, error) {
	var rec keyFileRecord
	if err := storage.Decode(data, &rec); err != nil {
		return nil, err
	}

	kf := &KeyFile{Epoch: rec.Epoch}

	var err error
	if kf.Hot, err = fromShareRecord(rec.Hot); err != nil {
		return nil, fmt.Errorf("hot share:\n%w", err)
	}
	if rec.Chain.Secret != nil {
		if kf.Chain, err = fromShareRecord(rec.Chain); err != nil {
			return nil, fmt.Errorf("chain share:\n%w", err)
		}
	}
	if rec.Cold != nil {
		if kf.Cold, err = fromShareRecord(*rec.Cold); err != nil {
			return nil, fmt.Errorf("cold share:\n%w", err)
		}
	}

	return kf, nil
}

// WriteKeyFile writes a key file readable only by its owner.
func WriteKeyFile(path string, kf *KeyFile) error {
	data, err := EncodeKeyFile(kf)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file:\n%w", err)
	}

	return nil
}

// ReadKeyFile loads a key file from disk.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return DecodeKeyFile(data)
}

func toShareRecord(sh *signing.KeyShare) (shareRecord, error) {
	secret, err := sh.Secret.MarshalBinary()
	if err != nil {
		return shareRecord{}, err
	}

	group, err := sh.GroupKey.MarshalBinary()
	if err != nil {
		return shareRecord{}, err
	}

	return shareRecord{
		Suite:     uint8(sh.Suite),
		Index:     sh.Index,
		Threshold: sh.Threshold,
		Secret:    secret,
		GroupKey:  group,
	}, nil
}

func fromShareRecord(rec shareRecord) (*signing.KeyShare, error) {
	suite, err := signing.Lookup(signing.SuiteID(rec.Suite))
	if err != nil {
		return nil, err
	}

	secret, err := signing.DecodeScalar(suite, rec.Secret)
	if err != nil {
		return nil, err
	}

	group, err := signing.DecodePoint(suite, rec.GroupKey)
	if err != nil {
		return nil, err
	}

	return &signing.KeyShare{
		Suite:     suite.ID(),
		Index:     rec.Index,
		Threshold: rec.Threshold,
		Secret:    secret,
		Public:    suite.Group().Point().Mul(secret, nil),
		GroupKey:  group,
	}, nil
}
