// Package blobstore is the object-store layer behind the remote-object
// driver.
//
// BlobStore is a flat namespace of immutable byte objects with ranged reads,
// atomic replacement and prefix listing. Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local directory tree, reads are memory-mapped
//   - CachingStore: block cache in front of any other store
//   - s3.Store: Amazon S3 with range reads and managed uploads
//   - minio.Store: MinIO and other S3-compatible services
//
// # Leases
//
// A Leaser hands out range leases on a key so that two mappings of the same
// backing object cannot write the same bytes. Readers share a range, a writer
// excludes everyone else:
//
//	l, err := leaser.Acquire(ctx, "volumes/a", blobstore.Lease{Off: 0, Size: 1 << 20, Write: true})
//	defer leaser.Release(ctx, "volumes/a", l.ID)
//
// MemoryLeaser serves a single process. s3.LeaseStore keeps leases in
// DynamoDB with conditional writes.
package blobstore
