// Package mmap wraps the OS virtual memory primitives the pager is built on.
//
// # Regions
//
// A Region is a private anonymous reservation that starts with no access.
// The pager fills it one segment at a time:
//
//	r, err := mmap.Reserve(0, size, false)
//	if err != nil { ... }
//	defer r.Close()
//
//	r.Install(off, data, false) // copy data in, leave it read-only
//	r.AllowWrite(off, n)        // first store after a read fault
//	r.DenyWrite(off, n)         // after write-back, catch the next store
//	r.Revoke(off, n)            // evict: drop the pages, no access
//
// Touching a page that has no access raises a memory fault; callers catch it
// with runtime/debug.SetPanicOnFault or a userfaultfd.
//
// # File mappings
//
// MapFile maps a window of a file with MAP_SHARED, optionally writable, for
// backends that are themselves memory-mappable. Sync flushes a sub-range
// with msync(2).
//
// # Platform Support
//
// Unix only. Fixed-address reservations use MAP_FIXED_NOREPLACE on Linux
// and an address check elsewhere.
package mmap
