// Package broadcast implements best-effort gossip dissemination of values
// to every node in the cluster.
//
// Each value moves through three stages independently per neighbor: unseen,
// delivered locally, acknowledged by the neighbor. The engine keeps a
// monotonically growing set of delivered values and, for every neighbor, a
// pending set of values that neighbor has not yet acknowledged. A fixed
// ticker pushes each neighbor its pending values as one batch; the batch
// stays pending until the neighbor's ack names it, so a dropped gossip
// message is naturally re-sent on the next tick. Pending sets are cleared
// only by acknowledgment, never by the passage of time, which is what makes
// dissemination resume across a healed partition.
//
// Topology is assigned once by the harness; the engine never discovers
// peers on its own.
package broadcast
