// Package list provides index-linked doubly-linked lists.
//
// Nodes live in an Arena and refer to each other through integer Refs
// instead of pointers, so a node found at the head of a list maps back to
// its (block, slot) position without any address arithmetic. Eviction
// policies allocate one block per tracked mapping and one slot per segment.
package list
