package counter

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/protocol"
)

type transport interface {
	ID() string
	NodeIDs() []string
	Reply(req protocol.Message, body any) error
	Send(dest string, body any) error
}

type addRequest struct {
	protocol.Body
	Delta int64 `json:"delta"`
}

type replicateBody struct {
	Type   string           `json:"type"`
	Counts map[string]int64 `json:"counts"`
}

type readOKBody struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
}

type okBody struct {
	Type string `json:"type"`
}

// Engine exposes the G-counter over the wire: add and read from clients,
// replicate between peers.
type Engine struct {
	t       transport
	log     *zap.Logger
	counter *GCounter
}

func NewEngine(t transport, log *zap.Logger) *Engine {
	return &Engine{t: t, log: log.Named("counter"), counter: NewGCounter()}
}

// HandleAdd increases this node's own entry. Negative and overflowing
// deltas are invariant violations and answered with an error reply, never
// silently coerced.
func (e *Engine) HandleAdd(msg protocol.Message) error {
	var req addRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("add: %v", err))
	}
	if err := e.counter.Add(e.t.ID(), req.Delta); err != nil {
		return protocol.PreconditionFailed(err.Error())
	}
	return e.t.Reply(msg, okBody{Type: "add_ok"})
}

// HandleRead replies with the locally observed global total. Under
// partition this is an approximation that converges as merges propagate.
func (e *Engine) HandleRead(msg protocol.Message) error {
	return e.t.Reply(msg, readOKBody{Type: "read_ok", Value: e.counter.Sum()})
}

// HandleReplicate merges a peer's full snapshot. Idempotent, so duplicated
// or reordered snapshots are harmless and no reply is needed.
func (e *Engine) HandleReplicate(msg protocol.Message) error {
	var req replicateBody
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("replicate: %v", err))
	}
	e.counter.Merge(req.Counts)
	return nil
}

// Tick pushes the full local state to every peer. Sends are fire-and-forget;
// an unreachable peer just catches up on a later tick.
func (e *Engine) Tick() {
	snapshot := e.counter.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	body := replicateBody{Type: "replicate", Counts: snapshot}
	for _, peer := range e.t.NodeIDs() {
		if peer == e.t.ID() {
			continue
		}
		if err := e.t.Send(peer, body); err != nil {
			e.log.Warn("replicate send failed", zap.String("peer", peer), zap.Error(err))
		}
	}
}

// Counter exposes the underlying replica. Test hook.
func (e *Engine) Counter() *GCounter { return e.counter }
