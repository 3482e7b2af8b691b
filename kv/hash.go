// Package kv implements the bucket-chained KV engine: put/get/del/scan over
// Robin-Hood KV pages, overflow chains for oversized values, and chain
// compaction, all built on top of storage.Pager's batch-commit pipeline.
package kv

import "github.com/quiverdb/quiverdb/storage"

// Bucket maps key to its directory bucket index via hash(key) mod N.
func Bucket(key []byte, buckets uint32) uint32 {
	return uint32(storage.KeyHash(key) % uint64(buckets))
}
