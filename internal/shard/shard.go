package shard

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrSizeMismatch is returned when a vector does not match the shard length
var ErrSizeMismatch = errors.New("vector size does not match shard size")

// ParameterShard holds the authoritative parameter vector owned by one server.
// The length is fixed at creation; every method is safe for concurrent use.
type ParameterShard struct {
	stats  *Stats       // Operation statistics
	values []float32    // Current parameters, never resized
	mu     sync.RWMutex // Protects values
}

// Stats tracks operation counts
type Stats struct {
	Replacements  uint64 `json:"replacements"`   // Number of full replacements
	GradientSteps uint64 `json:"gradient_steps"` // Number of gradient steps applied
	Reads         uint64 `json:"reads"`          // Number of snapshots taken
}

// New creates a shard holding a copy of values
func New(values []float32) *ParameterShard {
	return &ParameterShard{
		values: slices.Clone(values),
		stats:  &Stats{},
	}
}

// NewRandom creates a shard of the given size with values drawn uniformly
// from [0, 1) using r.
func NewRandom(size int, r *rand.Rand) *ParameterShard {
	values := make([]float32, size)
	for i := range values {
		values[i] = r.Float32()
	}
	return &ParameterShard{
		values: values,
		stats:  &Stats{},
	}
}

// Len returns the number of parameters
func (s *ParameterShard) Len() int {
	// values is never resized, so no lock is needed for its length
	return len(s.values)
}

// Snapshot returns a copy of the current parameters.
// A snapshot never observes a partially applied gradient step.
func (s *ParameterShard) Snapshot() []float32 {
	atomic.AddUint64(&s.stats.Reads, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.values)
}

// Replace overwrites every parameter with a copy of values.
// The caller keeps ownership of values.
func (s *ParameterShard) Replace(values []float32) error {
	if len(values) != len(s.values) {
		return errors.Wrapf(ErrSizeMismatch, "got %d values, shard has %d", len(values), len(s.values))
	}
	s.mu.Lock()
	copy(s.values, values)
	s.mu.Unlock()
	atomic.AddUint64(&s.stats.Replacements, 1)
	return nil
}

// ApplyGradient performs one gradient-descent step:
//
//	values[i] = values[i] - lr*gradient[i]
//
// All elements are updated under a single write lock.
func (s *ParameterShard) ApplyGradient(lr float32, gradient []float32) error {
	if len(gradient) != len(s.values) {
		return errors.Wrapf(ErrSizeMismatch, "got %d gradients, shard has %d", len(gradient), len(s.values))
	}
	s.mu.Lock()
	for i, g := range gradient {
		s.values[i] -= lr * g
	}
	s.mu.Unlock()
	atomic.AddUint64(&s.stats.GradientSteps, 1)
	return nil
}

// Norm returns the L2 norm of the current parameters
func (s *ParameterShard) Norm() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, v := range s.values {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Stats returns a point-in-time copy of the operation counters
func (s *ParameterShard) Stats() Stats {
	return Stats{
		Replacements:  atomic.LoadUint64(&s.stats.Replacements),
		GradientSteps: atomic.LoadUint64(&s.stats.GradientSteps),
		Reads:         atomic.LoadUint64(&s.stats.Reads),
	}
}
