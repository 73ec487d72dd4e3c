package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"overlaynet/internal/auth"
)

const (
	envelopeMagic   = 0x4f
	EnvelopeVersion = 1
	MaxTypeLen      = 32

	// magic, version, type length, bits, nonce, payload length
	envelopeOverhead = 1 + 1 + 1 + MaxTypeLen + 1 + 8 + varint.MaxLenUvarint63
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is the outer wire frame. Payload stays raw until the token has
// been verified against it.
type Envelope struct {
	Type    string
	Token   auth.Token
	Payload []byte
}

// EncodeEnvelope lays out
//
//	magic | version | uvarint(len(type)) type | bits | nonce(8, BE) | uvarint(len(payload)) payload
//
// The encoding is canonical: every valid byte string decodes to exactly one
// Envelope and re-encodes to itself.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" || len(e.Type) > MaxTypeLen {
		return nil, fmt.Errorf("%w: bad type length %d", ErrMalformed, len(e.Type))
	}
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	size := 2 + varint.UvarintSize(uint64(len(e.Type))) + len(e.Type) + 1 + 8 +
		varint.UvarintSize(uint64(len(e.Payload))) + len(e.Payload)
	out := make([]byte, 0, size)
	out = append(out, envelopeMagic, EnvelopeVersion)
	out = append(out, varint.ToUvarint(uint64(len(e.Type)))...)
	out = append(out, e.Type...)
	out = append(out, e.Token.Bits)
	out = binary.BigEndian.AppendUint64(out, e.Token.Nonce)
	out = append(out, varint.ToUvarint(uint64(len(e.Payload)))...)
	out = append(out, e.Payload...)
	return out, nil
}

// DecodeEnvelope checks only the frame structure. It never looks inside the
// payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	typ, rest, err := decodeHeader(b)
	if err != nil {
		return Envelope{}, err
	}
	if len(rest) < 9 {
		return Envelope{}, fmt.Errorf("%w: short token", ErrMalformed)
	}
	tok := auth.Token{Bits: rest[0], Nonce: binary.BigEndian.Uint64(rest[1:9])}
	rest = rest[9:]
	plen, n, err := varint.FromUvarint(rest)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload length: %v", ErrMalformed, err)
	}
	rest = rest[n:]
	if plen == 0 || plen > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: bad payload length %d", ErrMalformed, plen)
	}
	if uint64(len(rest)) != plen {
		return Envelope{}, fmt.Errorf("%w: payload length mismatch", ErrMalformed)
	}
	return Envelope{Type: typ, Token: tok, Payload: rest}, nil
}

// PeekType reads the envelope type from a header prefix.
func PeekType(prefix []byte) (string, bool) {
	typ, _, err := decodeHeader(prefix)
	return typ, err == nil
}

func decodeHeader(b []byte) (string, []byte, error) {
	if len(b) < 3 {
		return "", nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if b[0] != envelopeMagic {
		return "", nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if b[1] != EnvelopeVersion {
		return "", nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[1])
	}
	tlen, n, err := varint.FromUvarint(b[2:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: type length: %v", ErrMalformed, err)
	}
	if tlen == 0 || tlen > MaxTypeLen {
		return "", nil, fmt.Errorf("%w: bad type length %d", ErrMalformed, tlen)
	}
	rest := b[2+n:]
	if uint64(len(rest)) < tlen {
		return "", nil, fmt.Errorf("%w: short type", ErrMalformed)
	}
	return string(rest[:tlen]), rest[tlen:], nil
}
