package storage

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// msgpack is shared by all record encoders. Handles are safe for
// concurrent use once configured.
var msgpack = &codec.MsgpackHandle{}

// Encode serializes a record with msgpack.
func Encode(v any) ([]byte, error) {
	var out []byte

	if err := codec.NewEncoderBytes(&out, msgpack).Encode(v); err != nil {
		return nil, fmt.Errorf("encode record:\n%w", err)
	}

	return out, nil
}

// Decode deserializes a msgpack record into v.
func Decode(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, msgpack).Decode(v); err != nil {
		return fmt.Errorf("decode record:\n%w", err)
	}

	return nil
}

// PutRecord encodes v and stores it under key.
func (s *Storage) PutRecord(key []byte, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}

	return s.Set(key, data)
}

// GetRecord loads the record under key into v.
// Returns false without error if the key does not exist.
func (s *Storage) GetRecord(key []byte, v any) (bool, error) {
	data, err := s.Get(key)
	if err != nil {
		return false, err
	}

	if data == nil {
		return false, nil
	}

	if err := Decode(data, v); err != nil {
		return false, err
	}

	return true, nil
}

// Key joins a prefix and an identifier into a storage key.
func Key(prefix string, id []byte) []byte {
	key := make([]byte, len(prefix)+len(id))
	copy(key, prefix)
	copy(key[len(prefix):], id)

	return key
}
