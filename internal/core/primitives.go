package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Clock abstracts wall-clock reads so tests can pin time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a settable clock for tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{t: start}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.t
}

// Advance moves the fake clock forward.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.t = fc.t.Add(d)
}

// RNG abstracts randomness (auction perturbation, jitter).
type RNG interface {
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
}

// SeededRNG wraps math/rand with an explicit seed so runs are reproducible
// when the seed is pinned.
type SeededRNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSeededRNG(seed int64) *SeededRNG {
	return &SeededRNG{r: rand.New(rand.NewSource(seed))}
}

func (s *SeededRNG) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// TxHasher mints transaction hashes for ledger transfers. The production
// ledger is a mirror of on-chain state, so hashes only need to be unique and
// stable, not signed.
type TxHasher interface {
	Hash(from, to common.Address, amount string, nonce uint64) common.Hash
}

// Sha256TxHasher derives a hash from the transfer tuple and a nonce.
type Sha256TxHasher struct{}

func (Sha256TxHasher) Hash(from, to common.Address, amount string, nonce uint64) common.Hash {
	h := sha256.New()
	h.Write(from.Bytes())
	h.Write(to.Bytes())
	h.Write([]byte(amount))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return common.BytesToHash(h.Sum(nil))
}

// UnixMilli formats a time as Unix milliseconds, the only time representation
// that crosses the wire.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
