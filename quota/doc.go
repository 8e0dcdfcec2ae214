// Package quota shares one memory budget between several eviction
// policies.
//
// A Local quota rebalances the policies of one process: whenever a policy
// grows past its share it asks the quota to shrink the biggest consumer
// towards the average. An InterProc quota additionally splits a global
// budget evenly between cooperating processes through a small table in
// shared memory; processes joining or leaving signal the others so every
// member recomputes its share.
package quota
