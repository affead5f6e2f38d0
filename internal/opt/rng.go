package opt

import (
	"math/rand/v2"
	"sync"
)

// RNGState is a portable snapshot of a CountingSource: the seed and the
// number of 64-bit values drawn since seeding.
type RNGState struct {
	Seed  int64  `json:"seed"`
	Draws uint64 `json:"draws"`
}

// CountingSource is a PCG source that counts its draws so its position in
// the stream can be checkpointed and restored exactly. It satisfies both
// math/rand and math/rand/v2 source interfaces.
type CountingSource struct {
	mu    sync.Mutex
	seed  int64
	draws uint64
	pcg   *rand.PCG
}

// NewCountingSource returns a source positioned at the start of the stream
// for seed.
func NewCountingSource(seed int64) *CountingSource {
	return &CountingSource{seed: seed, pcg: newPCG(seed)}
}

// RestoreSource returns a source positioned after st.Draws values of the
// stream for st.Seed.
func RestoreSource(st RNGState) *CountingSource {
	s := NewCountingSource(st.Seed)
	for range st.Draws {
		s.pcg.Uint64()
	}
	s.draws = st.Draws
	return s
}

func newPCG(seed int64) *rand.PCG {
	return rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
}

// Uint64 implements rand.Source.
func (s *CountingSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	return s.pcg.Uint64()
}

// Int63 implements the math/rand Source interface.
func (s *CountingSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

// Seed implements the math/rand Source interface and restarts the stream.
func (s *CountingSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.draws = 0
	s.pcg = newPCG(seed)
}

// State returns the current position.
func (s *CountingSource) State() RNGState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RNGState{Seed: s.seed, Draws: s.draws}
}

// NewSeed draws a fresh seed for runs without a configured one. Seeds stay
// below 2^31 so they are easy to read back from logs.
func NewSeed() int64 {
	return rand.Int64N(1 << 31)
}
