package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"overlaynet/internal/crypto"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	defaultBaseBits    = 8
	defaultMaxCostBits = 8
	defaultSizeStep    = 1024
	defaultMaxSizeBits = 6
	maxBits            = 40
)

// Token is a proof-of-work bound to one message class and payload.
type Token struct {
	Bits  uint8  `json:"bits"`
	Nonce uint64 `json:"nonce"`
}

// DifficultyAdjuster may raise or lower the required bits for a class. It
// must be deterministic across the network or honest senders get rejected.
type DifficultyAdjuster interface {
	Adjust(class string, bits uint8) uint8
}

// FixedDifficulty leaves the computed difficulty unchanged.
type FixedDifficulty struct{}

func (FixedDifficulty) Adjust(_ string, bits uint8) uint8 { return bits }

// FixedBits pins every class to the same difficulty.
type FixedBits uint8

func (f FixedBits) Adjust(string, uint8) uint8 { return uint8(f) }

type Config struct {
	BaseBits    uint8
	MaxCostBits uint8
	// SizeStep is the payload size above which each doubling costs one bit.
	SizeStep    int
	MaxSizeBits uint8
	Adjuster    DifficultyAdjuster
}

func (c Config) withDefaults() Config {
	if c.BaseBits == 0 {
		c.BaseBits = defaultBaseBits
	}
	if c.MaxCostBits == 0 {
		c.MaxCostBits = defaultMaxCostBits
	}
	if c.SizeStep <= 0 {
		c.SizeStep = defaultSizeStep
	}
	if c.MaxSizeBits == 0 {
		c.MaxSizeBits = defaultMaxSizeBits
	}
	if c.Adjuster == nil {
		c.Adjuster = FixedDifficulty{}
	}
	return c
}

// Service creates and verifies proof-of-work tokens. Apart from the cost
// table it is stateless.
type Service struct {
	cfg   Config
	mu    sync.RWMutex
	costs map[string]float64
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg.withDefaults(), costs: make(map[string]float64)}
}

// SetCost assigns a cost factor in [0,1] to a class.
func (s *Service) SetCost(class string, factor float64) {
	if factor < 0 || math.IsNaN(factor) {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	s.mu.Lock()
	s.costs[class] = factor
	s.mu.Unlock()
}

func (s *Service) Required(class string, payloadLen int) uint8 {
	s.mu.RLock()
	cost := s.costs[class]
	s.mu.RUnlock()

	bits := int(s.cfg.BaseBits)
	bits += int(math.Round(cost * float64(s.cfg.MaxCostBits)))
	extra := 0
	for n := payloadLen; n > s.cfg.SizeStep && extra < int(s.cfg.MaxSizeBits); n /= 2 {
		extra++
	}
	bits += extra
	if bits > maxBits {
		bits = maxBits
	}
	adjusted := s.cfg.Adjuster.Adjust(class, uint8(bits))
	if adjusted > maxBits {
		adjusted = maxBits
	}
	return adjusted
}

func (s *Service) CreateToken(ctx context.Context, class string, payload []byte) (Token, error) {
	bits := s.Required(class, len(payload))
	h := crypto.SHA3_256(payload)
	nonce, err := crypto.PoWSolve(ctx, class, h, bits)
	if err != nil {
		return Token{}, err
	}
	return Token{Bits: bits, Nonce: nonce}, nil
}

// VerifyToken costs one hash. It fails before hashing when the token claims
// less work than required.
func (s *Service) VerifyToken(class string, payload []byte, tok Token) error {
	need := s.Required(class, len(payload))
	if tok.Bits < need || tok.Bits > maxBits {
		return fmt.Errorf("%w: token bits %d, need %d", ErrUnauthorized, tok.Bits, need)
	}
	if !crypto.PoWCheck(class, crypto.SHA3_256(payload), tok.Nonce, tok.Bits) {
		return fmt.Errorf("%w: bad proof of work", ErrUnauthorized)
	}
	return nil
}
