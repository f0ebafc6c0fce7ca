package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/murmur/internal/protocol"
	"github.com/dreamware/murmur/internal/telemetry"
)

// transport is the slice of the node runtime the engine needs. *node.Node
// satisfies it; tests substitute an in-memory fake.
type transport interface {
	ID() string
	Reply(req protocol.Message, body any) error
	RPC(dest string, body any, cb func(protocol.Message)) error
}

type broadcastRequest struct {
	protocol.Body
	Message int64 `json:"message"`
}

type topologyRequest struct {
	protocol.Body
	Topology map[string][]string `json:"topology"`
}

type gossipBody struct {
	Type     string  `json:"type"`
	Messages []int64 `json:"messages"`
}

type readOKBody struct {
	Type     string  `json:"type"`
	Messages []int64 `json:"messages"`
}

type okBody struct {
	Type string `json:"type"`
}

// Engine owns the delivered-value set and the per-neighbor pending sets.
// All state is guarded by mu; the handlers and the tick run concurrently.
type Engine struct {
	t   transport
	log *zap.Logger

	mu        sync.Mutex
	seen      map[int64]struct{}
	neighbors []string
	pending   map[string]map[int64]struct{}
}

func New(t transport, log *zap.Logger) *Engine {
	return &Engine{
		t:       t,
		log:     log.Named("broadcast"),
		seen:    make(map[int64]struct{}),
		pending: make(map[string]map[int64]struct{}),
	}
}

// HandleBroadcast records a client value and fans it out to every neighbor.
// The reply is immediate; dissemination happens on the tick.
func (e *Engine) HandleBroadcast(msg protocol.Message) error {
	var req broadcastRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("broadcast: %v", err))
	}
	e.deliver(req.Message, "")
	return e.t.Reply(msg, okBody{Type: "broadcast_ok"})
}

// HandleGossip merges a neighbor's batch and acknowledges it. Newly seen
// values are propagated onward to every other neighbor, but never re-sent
// to the neighbor they came from.
func (e *Engine) HandleGossip(msg protocol.Message) error {
	var req gossipBody
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("gossip: %v", err))
	}
	for _, v := range req.Messages {
		e.deliver(v, msg.Src)
	}
	return e.t.Reply(msg, gossipBody{Type: "gossip_ok", Messages: req.Messages})
}

// HandleRead replies with a snapshot of every delivered value.
func (e *Engine) HandleRead(msg protocol.Message) error {
	e.mu.Lock()
	values := maps.Keys(e.seen)
	e.mu.Unlock()
	slices.Sort(values)
	return e.t.Reply(msg, readOKBody{Type: "read_ok", Messages: values})
}

// HandleTopology installs this node's neighbor set from the harness map.
// Values already delivered are marked pending for any newly named neighbor
// so late topology assignment cannot strand them.
func (e *Engine) HandleTopology(msg protocol.Message) error {
	var req topologyRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("topology: %v", err))
	}
	neighbors := req.Topology[e.t.ID()]

	e.mu.Lock()
	e.neighbors = neighbors
	for _, nb := range neighbors {
		if _, ok := e.pending[nb]; ok {
			continue
		}
		backlog := make(map[int64]struct{}, len(e.seen))
		for v := range e.seen {
			backlog[v] = struct{}{}
		}
		e.pending[nb] = backlog
	}
	e.mu.Unlock()

	e.log.Info("topology installed", zap.Strings("neighbors", neighbors))
	return e.t.Reply(msg, okBody{Type: "topology_ok"})
}

// deliver records a value if unseen and marks it pending for every neighbor
// except the one it arrived from. Returns whether the value was new.
func (e *Engine) deliver(value int64, from string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[value]; ok {
		return false
	}
	e.seen[value] = struct{}{}
	for _, nb := range e.neighbors {
		if nb == from {
			continue
		}
		if e.pending[nb] == nil {
			e.pending[nb] = make(map[int64]struct{})
		}
		e.pending[nb][value] = struct{}{}
	}
	return true
}

// Tick pushes each neighbor its pending batch. Values stay pending until
// the neighbor's gossip_ok names them, so a lost batch re-sends next tick.
func (e *Engine) Tick() {
	e.mu.Lock()
	batches := make(map[string][]int64, len(e.neighbors))
	for _, nb := range e.neighbors {
		if len(e.pending[nb]) == 0 {
			continue
		}
		batches[nb] = maps.Keys(e.pending[nb])
	}
	e.mu.Unlock()

	for nb, batch := range batches {
		slices.Sort(batch)
		telemetry.GossipBatchSize.Observe(float64(len(batch)))
		err := e.t.RPC(nb, gossipBody{Type: "gossip", Messages: batch}, func(reply protocol.Message) {
			e.acknowledge(nb, reply)
		})
		if err != nil {
			e.log.Warn("gossip send failed", zap.String("neighbor", nb), zap.Error(err))
		}
	}
}

// acknowledge clears the values named by a neighbor's gossip_ok from that
// neighbor's pending set.
func (e *Engine) acknowledge(neighbor string, reply protocol.Message) {
	var ack gossipBody
	if err := json.Unmarshal(reply.Body, &ack); err != nil || ack.Type != "gossip_ok" {
		e.log.Warn("ignoring malformed gossip ack", zap.String("neighbor", neighbor))
		return
	}
	e.mu.Lock()
	set := e.pending[neighbor]
	for _, v := range ack.Messages {
		delete(set, v)
	}
	e.mu.Unlock()
}

// Neighbors returns the current neighbor set. Test hook.
func (e *Engine) Neighbors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.neighbors)
}

// PendingFor returns a sorted copy of the values not yet acknowledged by
// the given neighbor. Test hook.
func (e *Engine) PendingFor(neighbor string) []int64 {
	e.mu.Lock()
	values := maps.Keys(e.pending[neighbor])
	e.mu.Unlock()
	slices.Sort(values)
	return values
}
