// Package policy implements the eviction policies that keep the resident
// set of every mapping within a memory budget.
//
// A Policy tracks one node per segment of every registered Owner. Nodes
// live in a shared arena (one block per owner) and are linked into index
// lists, so a victim resolves to (owner, segment) without pointer
// arithmetic.
//
// Available policies:
//
//   - Fifo: evicts the least recently touched segment.
//   - Lifo: evicts the most recently inserted segment other than the touched one.
//   - FifoWindow: a fixed window that fills once, plus a FIFO sliding window.
//
// A local policy serves exactly one owner; a global one is shared by name.
// When a QuotaHook is attached the policy reports growth past its notify
// limit and the quota rebalances budgets through SetDynamicMaxMemory and
// ShrinkMemory.
package policy
