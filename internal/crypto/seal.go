package crypto

import (
	"errors"
)

const sealLabel = "overlay:v1:seal"

// Sealed is a payload encrypted to one recipient's X25519 key.
type Sealed struct {
	EphemeralPub []byte `json:"epk"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ct"`
}

// SealTo encrypts plaintext to recipientPub. aad is bound into the AEAD tag.
func SealTo(recipientPub, plaintext, aad []byte) (Sealed, error) {
	eph, err := GenerateEphemeral()
	if err != nil {
		return Sealed{}, err
	}
	defer eph.Destroy()
	epk, err := eph.Public()
	if err != nil {
		return Sealed{}, err
	}
	shared, err := eph.Shared(recipientPub)
	if err != nil {
		return Sealed{}, err
	}
	key := KDF(sealLabel, shared, epk, recipientPub)
	nonce, ct, err := XSeal(key, plaintext, aad)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{EphemeralPub: epk, Nonce: nonce, Ciphertext: ct}, nil
}

func OpenSealed(recipientPriv, recipientPub []byte, s Sealed, aad []byte) ([]byte, error) {
	if len(s.EphemeralPub) == 0 || len(s.Ciphertext) == 0 {
		return nil, errors.New("empty sealed payload")
	}
	shared, err := X25519Shared(recipientPriv, s.EphemeralPub)
	if err != nil {
		return nil, err
	}
	key := KDF(sealLabel, shared, s.EphemeralPub, recipientPub)
	return XOpen(key, s.Nonce, s.Ciphertext, aad)
}
