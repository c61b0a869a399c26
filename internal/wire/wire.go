// Package wire frames encoded values stored in byte stores so foreign or
// truncated entries are detected on read.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindValue byte = 1

	headerLen = 4 + 1 + 1 + 1 + 4
)

var (
	ErrCorrupt = errors.New("statekv: corrupt entry")
	magic4     = [...]byte{'S', 'T', 'K', 'V'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload:
//
//	magic(4) | ver(1) | kind(1=value) | codec(1) | vlen(u32 be) | payload(vlen)
//
// codec identifies the codec that produced payload.
func Encode(codec byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)
	buf.WriteByte(codec)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode validates the frame and returns the codec id and a payload slice
// aliasing b. Trailing bytes are rejected.
func Decode(b []byte) (codec byte, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return 0, nil, ErrCorrupt
	}
	codec = b[6]
	off := 7

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return codec, b[off : off+vlen], nil
}
