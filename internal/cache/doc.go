// Package cache holds decoded object chunks so repeated segment faults do
// not refetch and decompress them.
//
// # Block Cache (RAM)
//
// LRUBlockCache bounds its bytes and charges them against the resource
// controller. ShardedLRUBlockCache spreads keys over 64 shards for
// parallel faults.
//
// # Disk Cache (L2)
//
// DiskBlockCache keeps chunks as files under a root directory and rebuilds
// its index on startup. Tiered stacks a RAM cache in front of it.
//
// Chunks are mutable: Set always replaces the previous version.
package cache
