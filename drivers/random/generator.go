package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"
)

// randomSource abstracts the random number generator behind a counter.
type randomSource interface {
	Float64() (float64, error)
}

// pseudoSource wraps math/rand to provide deterministic pseudo random numbers.
type pseudoSource struct {
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSource{rng: mathrand.New(src)}
}

func (s *pseudoSource) Float64() (float64, error) {
	return s.rng.Float64(), nil
}

// secureSource uses crypto/rand to provide cryptographically strong randomness.
type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	// Mask the sign bit to keep the value in the positive range.
	val := binary.BigEndian.Uint64(buf[:]) & math.MaxInt64
	return float64(val) / float64(math.MaxInt64), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch normalized := strings.TrimSpace(strings.ToLower(source)); normalized {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

func randomFloatInRange(src randomSource, min, max float64) (float64, error) {
	if min == max {
		return min, nil
	}
	if max < min {
		return 0, fmt.Errorf("invalid float range [%f, %f]", min, max)
	}
	sample, err := src.Float64()
	if err != nil {
		return 0, err
	}
	return min + (max-min)*sample, nil
}

// randomNormal draws from a normal distribution via the Box-Muller transform,
// so both sources only need to supply uniform samples.
func randomNormal(src randomSource, mean, sigma float64) (float64, error) {
	u1, err := src.Float64()
	if err != nil {
		return 0, err
	}
	u2, err := src.Float64()
	if err != nil {
		return 0, err
	}
	if u1 <= 0 {
		u1 = math.SmallestNonzeroFloat64
	}
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + sigma*z, nil
}
