// Package minio provides a BlobStore implementation using the MinIO client.
//
// It works with MinIO and other S3-compatible services such as Ceph,
// SeaweedFS and Garage, and is what minio:// driver URIs resolve to.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "volumes/")
//	drv, err := object.New(store)
package minio
