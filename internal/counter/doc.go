// Package counter implements a grow-only distributed counter.
//
// The default backend is a G-counter CRDT: each node owns one entry in a
// node→count map and only ever increases it. The global value is the sum of
// all entries, and replicas reconcile by element-wise maximum, a merge that
// is commutative and idempotent, so convergence does not
// depend on message order, duplication, or loss. An anti-entropy ticker
// pushes the full local state to every peer; a lost snapshot is simply
// superseded by the next one.
//
// An alternative backend stores the total in the harness seq-kv service
// behind a compare-and-swap loop; see KVEngine.
package counter
