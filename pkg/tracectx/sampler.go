// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracectx

import (
	"encoding/binary"
	"encoding/hex"
)

// Sampler makes the head sampling decision for root spans. The decision is
// a pure function of the trace ID, so every hop of a trace agrees on it.
// Spans that continue an inbound trace inherit the caller's sampled flag
// instead of consulting the sampler.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler creates a sampler with the given rate (0.0-1.0).
func NewSampler(rate float64) *Sampler {
	switch {
	case rate <= 0:
		return &Sampler{rate: 0}
	case rate >= 1.0:
		return &Sampler{rate: 1.0, threshold: ^uint64(0)}
	}
	return &Sampler{
		rate:      rate,
		threshold: uint64(rate * float64(^uint64(0))),
	}
}

// Sample reports whether a root trace with traceID should be recorded.
// Malformed IDs are kept.
func (s *Sampler) Sample(traceID string) bool {
	if s.rate >= 1.0 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	if len(traceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(traceID[:16])
	if err != nil {
		return true
	}
	return binary.BigEndian.Uint64(b) <= s.threshold
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
