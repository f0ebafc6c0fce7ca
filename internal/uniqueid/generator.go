// Package uniqueid produces cluster-unique identifiers without any
// coordination between nodes.
package uniqueid

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Generator mints ids of the form <node>-<epoch>-<seq>. The node id
// separates nodes, the sequence separates calls within one process, and the
// process-start epoch separates restarts of the same node, so no two calls
// anywhere in the cluster can collide.
type Generator struct {
	nodeID string
	epoch  int64
	seq    atomic.Uint64
}

func New(nodeID string) *Generator {
	return &Generator{nodeID: nodeID, epoch: time.Now().UnixMilli()}
}

// NextID returns a fresh identifier. Safe for concurrent use.
func (g *Generator) NextID() string {
	return fmt.Sprintf("%s-%d-%d", g.nodeID, g.epoch, g.seq.Add(1))
}
