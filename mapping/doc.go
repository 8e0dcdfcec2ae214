// Package mapping implements demand paging over a reserved address range.
//
// A Mapping splits its range into fixed-size segments. A segment starts
// inaccessible; the first fault loads it from the driver read-only, a
// write fault grants write access and marks it dirty. Dirty segments are
// written back on flush or eviction. Eviction is driven by up to two
// policies (one private, one shared) which call back into Evict.
//
// Faults reach a mapping through OnFault, either from a trap in the caller
// or from a userfaultfd poller.
package mapping
