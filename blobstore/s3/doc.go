// Package s3 provides the AWS backends of the object driver: an S3
// implementation of blobstore.BlobStore and a DynamoDB implementation of
// blobstore.Leaser.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", "volumes/a")
//	leases := s3.NewLeaseStore(dynamodb.NewFromConfig(cfg), "ummapio-leases")
//
//	drv, err := object.New(store, object.WithLeaser(leases))
//
// # Features
//
//   - Range reads for chunk fetches
//   - CRC32C-checked puts, multipart uploads for large chunks
//   - Automatic pagination for listing
//   - Conditional-write range leases with retry on contention
package s3
