// Package shard implements the parameter shard: the flat, fixed-length vector
// of model parameters that a parameter server owns and mutates.
//
// # Overview
//
// A model is flattened ("vectorized") outside this package into one ordered
// sequence of N float32 values. The shard stores exactly N values for its
// whole lifetime. It is created once, mutated in place, and never resized.
//
//	┌──────────────────────────────────────┐
//	│            ParameterShard            │
//	├──────────────────────────────────────┤
//	│  values: []float32 (len N, fixed)    │
//	│  mu:     RWMutex                     │
//	│  stats:  atomic op counters          │
//	└──────────────────────────────────────┘
//
// # Operations
//
// Replace: full replacement with a value copy of the caller's vector.
// Later changes to the caller's slice never reach the shard and vice versa.
//
// ApplyGradient: one elementwise gradient-descent step,
// values[i] -= lr * gradient[i], applied to all N elements under one write lock.
//
// Snapshot: a value copy of the current vector taken under the read lock.
//
// # Consistency
//
// Because a gradient step holds the write lock for the whole vector and a
// snapshot holds the read lock while copying, every snapshot observes either
// the state before a step or the state after it, never a mix of both.
//
// # Example
//
//	s := shard.NewRandom(4, rand.New(rand.NewSource(42)))
//	_ = s.Replace([]float32{1, 1, 1, 1})
//	_ = s.ApplyGradient(0.1, []float32{1, 1, 1, 1})
//	s.Snapshot() // [0.9 0.9 0.9 0.9]
package shard
