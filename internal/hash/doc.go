// Package hash provides the CRC32-Castagnoli checksum used for chunk and
// upload integrity.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
//
// Go's crc32 package uses the SSE4.2 and ARM CRC instructions when present.
package hash
