package localstore

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"tether/pkg/protocol"
)

var encMode cbor.EncMode //nolint:gochecknoglobals // immutable after init

var decMode cbor.DecMode //nolint:gochecknoglobals // immutable after init

func init() {
	var err error

	// Core deterministic encoding: identical values produce identical
	// bytes, so an unchanged snapshot rewrites the same blob.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("localstore: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("localstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// GetValue reads key and decodes it into a T. ok is false when the key
// is absent. A value that fails to decode is reported as a
// *protocol.ValidationError so callers can treat it as a cache miss.
func GetValue[T any](ctx context.Context, s Store, key string) (value T, ok bool, err error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return value, false, err
	}
	if err := decMode.Unmarshal(raw, &value); err != nil {
		return value, false, &protocol.ValidationError{Field: key, Reason: fmt.Sprintf("decode cached value: %v", err)}
	}
	return value, true, nil
}

// SetValue encodes value and writes it under key.
func SetValue[T any](ctx context.Context, s Store, key string, value T) error {
	raw, err := encMode.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
