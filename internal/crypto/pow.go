package crypto

import (
	"context"
	"encoding/binary"
)

const powPrefix = "overlay:pow:v1|"

// PoWDigest binds a nonce to a message class and payload hash.
func PoWDigest(class string, payloadHash []byte, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(powPrefix)+len(class)+1+len(payloadHash)+8)
	buf = append(buf, []byte(powPrefix)...)
	buf = append(buf, []byte(class)...)
	buf = append(buf, 0)
	buf = append(buf, payloadHash...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	return Hash32(buf)
}

func LeadingZeroBits(digest []byte, bits uint8) bool {
	full := int(bits / 8)
	rem := int(bits % 8)
	if full > len(digest) || (rem > 0 && full >= len(digest)) {
		return false
	}
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

func PoWCheck(class string, payloadHash []byte, nonce uint64, bits uint8) bool {
	if bits == 0 {
		return true
	}
	if len(payloadHash) != 32 {
		return false
	}
	d := PoWDigest(class, payloadHash, nonce)
	return LeadingZeroBits(d[:], bits)
}

// PoWSolve searches nonces until one satisfies bits. The context is polled
// every few thousand attempts so long solves stay cancellable.
func PoWSolve(ctx context.Context, class string, payloadHash []byte, bits uint8) (uint64, error) {
	if bits == 0 {
		return 0, nil
	}
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		if nonce&0xfff == 0 && ctx != nil {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if PoWCheck(class, payloadHash, nonce, bits) {
			return nonce, nil
		}
	}
	return 0, context.DeadlineExceeded
}
