// Package snapshot implements the versioned state snapshot store:
// a CBOR codec for opaque component state plus durable (SQLite) and
// in-memory backends, with bounded retry on the write path.
package snapshot

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/valyala/bytebufferpool"
)

var (
	// ErrNotFound means no snapshot exists for the id (or version).
	ErrNotFound = errors.New("snapshot: not found")

	// ErrCorrupted means a stored payload could not be decoded.
	ErrCorrupted = errors.New("snapshot: corrupted payload")

	// ErrWrite means a save failed after exhausting retries.
	ErrWrite = errors.New("snapshot: write failed")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: cbor enc mode: %v", err))
	}
	// Maps decode as map[string]any so a round-tripped state value is
	// directly comparable with its pre-snapshot form.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: cbor dec mode: %v", err))
	}
}

// Encode serializes an opaque state value to CBOR. Encoding stages
// through a pooled buffer; the returned slice is owned by the caller.
func Encode(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := encMode.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// Decode deserializes a snapshot payload. CBOR widens positive
// integers to uint64 and decodes maps as map[string]any; callers
// comparing round-tripped state should compare by value, not by type.
func Decode(payload []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, err)
	}
	return v, nil
}
