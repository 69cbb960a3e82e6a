package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Codec converts values to and from their wire/disk representation
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Msgpack encodes any value with the msgpack handle memberlist uses
type Msgpack[T any] struct {
	handle *codec.MsgpackHandle
}

// NewMsgpack creates a msgpack codec for T
func NewMsgpack[T any]() *Msgpack[T] {
	return &Msgpack[T]{handle: &codec.MsgpackHandle{}}
}

func (m *Msgpack[T]) Encode(v T) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, m.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return out, nil
}

func (m *Msgpack[T]) Decode(data []byte) (T, error) {
	var v T
	if err := codec.NewDecoderBytes(data, m.handle).Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return v, nil
}

// String stores keys as their raw bytes so that byte order matches key order
type String struct{}

func (String) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (String) Decode(data []byte) (string, error) { return string(data), nil }

// Bytes is the identity codec
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) { return v, nil }

func (Bytes) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Int64 is a fixed-width big-endian encoding with the sign bit flipped, so
// byte order matches numeric order
type Int64 struct{}

func (Int64) Encode(v int64) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:], nil
}

func (Int64) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("int64 key must be 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), nil
}

// envelope is the on-wire form of one record
type envelope struct {
	Key   []byte `codec:"k"`
	State []byte `codec:"s"`
}

// RecordCodec frames a key and a state into one msgpack envelope
type RecordCodec[K any, S any] struct {
	Keys   Codec[K]
	States Codec[S]
	frame  *Msgpack[envelope]
}

// NewRecordCodec pairs a key codec with a state codec
func NewRecordCodec[K any, S any](keys Codec[K], states Codec[S]) *RecordCodec[K, S] {
	return &RecordCodec[K, S]{Keys: keys, States: states, frame: NewMsgpack[envelope]()}
}

// Encode returns the framed record
func (c *RecordCodec[K, S]) Encode(key K, state S) ([]byte, error) {
	kb, err := c.Keys.Encode(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	sb, err := c.States.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return c.frame.Encode(envelope{Key: kb, State: sb})
}

// Decode splits a framed record. Errors are classified by the caller:
// a bad frame is a protocol problem, a bad key part is an invalid key.
func (c *RecordCodec[K, S]) Decode(data []byte) (K, S, error) {
	kb, sb, err := c.Split(data)
	if err != nil {
		var key K
		var state S
		return key, state, err
	}
	return c.DecodeParts(kb, sb)
}

// Split returns the encoded key and state of a framed record
func (c *RecordCodec[K, S]) Split(data []byte) ([]byte, []byte, error) {
	env, err := c.frame.Decode(data)
	if err != nil {
		return nil, nil, &DecodeError{Part: PartFrame, Err: err}
	}
	return env.Key, env.State, nil
}

// DecodeParts decodes a key and a state previously returned by Split
func (c *RecordCodec[K, S]) DecodeParts(kb, sb []byte) (K, S, error) {
	var state S
	key, err := c.Keys.Decode(kb)
	if err != nil {
		return key, state, &DecodeError{Part: PartKey, Err: err}
	}
	if state, err = c.States.Decode(sb); err != nil {
		return key, state, &DecodeError{Part: PartState, Err: err}
	}
	return key, state, nil
}

// Part names the piece of a record that failed to decode
type Part string

const (
	PartFrame Part = "frame"
	PartKey   Part = "key"
	PartState Part = "state"
)

// DecodeError reports which part of a record was malformed
type DecodeError struct {
	Part Part
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
