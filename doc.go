// Package ummapio maps arbitrary backing stores into memory and pages them
// in on demand.
//
// A mapping is a reserved address range split into fixed-size segments.
// The first access to a segment loads it from the mapping's driver, the
// first store marks it dirty, and dirty segments are written back on
// flush, on unmap with sync, or when an eviction policy runs out of
// budget. Policies can be private to one mapping or shared by name, and a
// quota balances the budget of shared policies, also across processes.
//
// # Quick Start
//
//	h := ummapio.New()
//	defer h.Close(ctx)
//
//	m, _ := h.MapURI(ctx, 64<<20, 1<<20, "file:///data/volume.bin")
//	_ = h.Access(func() {
//	    b := m.Bytes()
//	    b[4096] = b[0] + 1
//	})
//	_ = h.Flush(ctx, m.Addr(), 0, false, true)
//	_ = h.Unmap(ctx, m.Addr(), true)
//
// # Faults
//
// Two fault sources exist. Access runs a function with memory faults
// turned into panics, resolves them and reruns the function. With
// WithUserfaultfd, Linux delivers the faults of every paged mapping to a
// poller goroutine and plain loads and stores work anywhere. The poller
// needs GOMAXPROCS >= 2 and is opt-in.
//
// # Eviction
//
//	fifo, _ := h.BuildPolicy("fifo://256MB")
//	_ = h.RegisterPolicy("shared", fifo)
//	m, _ := h.Map(size, segSize, drv, ummapio.WithPolicyGroup("shared"))
//
// # Drivers
//
// Drivers come from package driver (memory, file, direct mmap, dummy) and
// driver/object (chunked objects in a local directory, S3 or MinIO).
// BuildDriver creates any of them from a URI.
//
// # Copy-on-write
//
// ApplyCow copies a live mapping onto a new driver and continues there;
// ApplySwitch changes the driver without copying.
package ummapio
