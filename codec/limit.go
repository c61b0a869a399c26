package codec

import (
	"errors"
	"fmt"
)

// LimitCodec wraps another codec to enforce a maximum payload size on both
// sides. A value encoding past MaxEncode is refused before it reaches
// storage; a payload past MaxDecode is refused before Inner sees it.
// Limits <= 0 are disabled.
type LimitCodec[V any] struct {
	// Inner is the underlying codec being wrapped. It must be set.
	Inner Codec[V]

	MaxEncode int
	MaxDecode int
}

// ErrTooLarge is wrapped by LimitCodec errors.
var ErrTooLarge = errors.New("codec: payload too large")

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.MaxEncode)
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
