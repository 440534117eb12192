package util

import "github.com/OneOfOne/xxhash"

// HashCode folds key into a 64-bit digest, used to pick a shard bucket
// for the cache's striped contents map (cache.shardFor).
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}
