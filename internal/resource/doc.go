// Package resource bounds the process-wide cost of paging.
//
// The Controller manages three resource types:
//
//   - Memory: staging buffers used while a segment or chunk is in flight
//   - Concurrency: background workers for CopyToDriver and write-back runs
//   - IO: a token bucket over write-back and upload bytes
//
// # Memory
//
// AcquireMemory blocks until the bytes fit under the limit (or ctx is
// done); TryAcquireMemory fails fast:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 64 << 20,
//	})
//	if err := rc.AcquireMemory(ctx, segSize); err != nil {
//	    return err
//	}
//	defer rc.ReleaseMemory(segSize)
//
// # Background workers
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO rate limiting
//
// AcquireIO splits large requests into burst-sized waits, so a single
// segment bigger than one second of budget still gets through:
//
//	if err := rc.AcquireIO(ctx, len(buf)); err != nil {
//	    return err
//	}
//	reader := resource.NewRateLimitedReader(ctx, body, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
