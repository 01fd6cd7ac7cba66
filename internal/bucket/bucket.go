// Package bucket provides the deterministic identity-to-fraction mapping
// used for flag rollouts and experiment assignment, plus shard selection
// for the write-distributed counter store.
//
// Both functions use FNV-1a, a stable non-cryptographic hash whose output
// is identical across processes and restarts, so assignments are sticky
// without any session or cache state.
package bucket

import "hash/fnv"

// hashRange is the output range of the 32-bit hash, used to normalize the
// hash value into [0,1).
const hashRange = float64(1 << 32)

// Fraction maps (platform, environment, entityKey, userID) to a stable
// pseudo-random fraction in [0,1). The entity key is part of the hash input
// so a user's assignment for one flag or experiment is independent of their
// assignment for any other.
func Fraction(platform, environment, entityKey, userID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(platform))
	h.Write([]byte{':'})
	h.Write([]byte(environment))
	h.Write([]byte{':'})
	h.Write([]byte(entityKey))
	h.Write([]byte{':'})
	h.Write([]byte(userID))
	return float64(h.Sum32()) / hashRange
}

// ShardIndex deterministically selects a counter shard for a key. Repeat
// increments for the same key always land on the same shard while distinct
// keys spread evenly across the shard space.
func ShardIndex(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
