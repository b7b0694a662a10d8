package engine

import (
	"hash/fnv"

	"golang.org/x/exp/rand"
)

// RequestRNG hands out a deterministically-seeded *rand.Rand per request
// id: the master seed XORed with an FNV-1a64 hash of the request id always
// derives the same stream, so two runs with identical seeds and request
// ids sample identically. Not safe for concurrent use; the worker owns it.
type RequestRNG struct {
	masterSeed int64
	streams    map[string]*rand.Rand
}

// NewRequestRNG constructs an empty cache of per-request streams.
func NewRequestRNG(masterSeed int64) *RequestRNG {
	return &RequestRNG{masterSeed: masterSeed, streams: make(map[string]*rand.Rand)}
}

// ForRequest returns the cached stream for requestID, deriving and caching
// one on first use. A request carrying its own explicit seed overrides the
// derivation entirely.
func (r *RequestRNG) ForRequest(requestID string, explicitSeed *int64) *rand.Rand {
	if rng, ok := r.streams[requestID]; ok {
		return rng
	}
	var seed int64
	if explicitSeed != nil {
		seed = *explicitSeed
	} else {
		seed = r.masterSeed ^ fnv1a64(requestID)
	}
	rng := rand.New(rand.NewSource(uint64(seed)))
	r.streams[requestID] = rng
	return rng
}

// Forget drops a request's cached stream once it completes, bounding
// long-term memory growth across a long-lived scheduler.
func (r *RequestRNG) Forget(requestID string) {
	delete(r.streams, requestID)
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
