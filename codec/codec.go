// Package codec encodes values to bytes for byte-oriented stores.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Value is a codec for value trees (map[string]any, []any, scalars).
type Value = Codec[any]

// Wire ids of the bundled codecs.
const (
	IDUnknown byte = iota
	IDJSON
	IDMsgpack
	IDCBOR
	IDProtobuf
)

// ID returns the wire id of a bundled value codec, or IDUnknown.
func ID(c Value) byte {
	switch t := c.(type) {
	case JSON[any], *JSON[any]:
		return IDJSON
	case Msgpack[any], *Msgpack[any]:
		return IDMsgpack
	case CBOR[any], *CBOR[any]:
		return IDCBOR
	case Protobuf, *Protobuf:
		return IDProtobuf
	case LimitCodec[any]:
		return ID(t.Inner)
	default:
		return IDUnknown
	}
}
