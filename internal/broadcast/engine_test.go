package broadcast

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/murmur/internal/protocol"
)

// sentRPC is one gossip transmission captured by the fake transport.
type sentRPC struct {
	dest string
	body gossipBody
	cb   func(protocol.Message)
}

// fakeTransport records everything the engine sends.
type fakeTransport struct {
	mu      sync.Mutex
	id      string
	replies []json.RawMessage
	rpcs    []sentRPC
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Reply(req protocol.Message, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.replies = append(f.replies, raw)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RPC(dest string, body any, cb func(protocol.Message)) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var gb gossipBody
	if err := json.Unmarshal(raw, &gb); err != nil {
		return err
	}
	f.mu.Lock()
	f.rpcs = append(f.rpcs, sentRPC{dest: dest, body: gb, cb: cb})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) takeRPCs() []sentRPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rpcs
	f.rpcs = nil
	return out
}

func (f *fakeTransport) lastReply(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.replies)
	var body map[string]any
	require.NoError(t, json.Unmarshal(f.replies[len(f.replies)-1], &body))
	return body
}

func request(t *testing.T, src string, body map[string]any) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return protocol.Message{Src: src, Dest: "n1", Body: raw}
}

func ackFor(t *testing.T, batch []int64) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(gossipBody{Type: "gossip_ok", Messages: batch})
	require.NoError(t, err)
	return protocol.Message{Src: "peer", Dest: "n1", Body: raw}
}

func newTestEngine(t *testing.T, neighbors ...string) (*Engine, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{id: "n1"}
	e := New(ft, zaptest.NewLogger(t))

	topo := map[string]any{"type": "topology", "msg_id": 1,
		"topology": map[string][]string{"n1": neighbors}}
	require.NoError(t, e.HandleTopology(request(t, "c0", topo)))
	return e, ft
}

func TestBroadcastRepliesImmediatelyAndFansOut(t *testing.T) {
	e, ft := newTestEngine(t, "n2", "n3")

	err := e.HandleBroadcast(request(t, "c1", map[string]any{"type": "broadcast", "msg_id": 2, "message": 5}))
	require.NoError(t, err)

	assert.Equal(t, "broadcast_ok", ft.lastReply(t)["type"])
	assert.Equal(t, []int64{5}, e.PendingFor("n2"))
	assert.Equal(t, []int64{5}, e.PendingFor("n3"))
}

func TestDuplicateBroadcastIsDeliveredOnce(t *testing.T) {
	e, _ := newTestEngine(t, "n2")

	for i := 0; i < 3; i++ {
		body := map[string]any{"type": "broadcast", "msg_id": 2 + i, "message": 5}
		require.NoError(t, e.HandleBroadcast(request(t, "c1", body)))
	}

	assert.Equal(t, []any{float64(5)}, e.testReadValues(t))
	assert.Equal(t, []int64{5}, e.PendingFor("n2"))
}

// testReadValues reads the seen set through the wire handler.
func (e *Engine) testReadValues(t *testing.T) []any {
	t.Helper()
	ft := &fakeTransport{id: e.t.ID()}
	saved := e.t
	e.t = ft
	defer func() { e.t = saved }()
	require.NoError(t, e.HandleRead(request(t, "c1", map[string]any{"type": "read", "msg_id": 99})))
	reply := ft.lastReply(t)
	require.Equal(t, "read_ok", reply["type"])
	values, _ := reply["messages"].([]any)
	return values
}

func TestGossipTickScenario(t *testing.T) {
	// n1 with neighbors [n2, n3] receives broadcast of 5: within one tick
	// both neighbors get a gossip batch containing 5, and after their acks
	// neither pending set contains 5 any more.
	e, ft := newTestEngine(t, "n2", "n3")
	require.NoError(t, e.HandleBroadcast(request(t, "c1", map[string]any{"type": "broadcast", "msg_id": 2, "message": 5})))

	e.Tick()
	rpcs := ft.takeRPCs()
	require.Len(t, rpcs, 2)

	dests := map[string]bool{}
	for _, rpc := range rpcs {
		dests[rpc.dest] = true
		assert.Equal(t, "gossip", rpc.body.Type)
		assert.Equal(t, []int64{5}, rpc.body.Messages)
		rpc.cb(ackFor(t, rpc.body.Messages))
	}
	assert.True(t, dests["n2"])
	assert.True(t, dests["n3"])

	assert.Empty(t, e.PendingFor("n2"))
	assert.Empty(t, e.PendingFor("n3"))
}

func TestPendingSurvivesUntilAcknowledged(t *testing.T) {
	e, ft := newTestEngine(t, "n2")
	require.NoError(t, e.HandleBroadcast(request(t, "c1", map[string]any{"type": "broadcast", "msg_id": 2, "message": 7})))

	// Two ticks without an ack re-send the same batch both times.
	e.Tick()
	e.Tick()
	rpcs := ft.takeRPCs()
	require.Len(t, rpcs, 2)
	assert.Equal(t, rpcs[0].body.Messages, rpcs[1].body.Messages)

	// After the ack, nothing left to send.
	rpcs[1].cb(ackFor(t, []int64{7}))
	e.Tick()
	assert.Empty(t, ft.takeRPCs())
}

func TestGossipPropagatesOnwardButNotBack(t *testing.T) {
	e, ft := newTestEngine(t, "n2", "n3")

	err := e.HandleGossip(request(t, "n2", map[string]any{"type": "gossip", "msg_id": 4, "messages": []int64{5, 7}}))
	require.NoError(t, err)

	// Batch acknowledged to the sender.
	reply := ft.lastReply(t)
	assert.Equal(t, "gossip_ok", reply["type"])
	assert.Equal(t, []any{float64(5), float64(7)}, reply["messages"])

	// Values propagate to the other neighbor only.
	assert.Empty(t, e.PendingFor("n2"))
	assert.Equal(t, []int64{5, 7}, e.PendingFor("n3"))
}

func TestGossipDuplicatesAreIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, "n2", "n3")

	gossip := map[string]any{"type": "gossip", "msg_id": 4, "messages": []int64{5}}
	require.NoError(t, e.HandleGossip(request(t, "n2", gossip)))

	// n3 acknowledges; the later duplicate from n2 must not resurrect it.
	e.acknowledge("n3", ackFor(t, []int64{5}))
	require.NoError(t, e.HandleGossip(request(t, "n2", gossip)))
	assert.Empty(t, e.PendingFor("n3"))
}

func TestReadReturnsSortedSnapshot(t *testing.T) {
	e, ft := newTestEngine(t, "n2")
	for _, v := range []int{9, 3, 7} {
		body := map[string]any{"type": "broadcast", "msg_id": v, "message": v}
		require.NoError(t, e.HandleBroadcast(request(t, "c1", body)))
	}

	require.NoError(t, e.HandleRead(request(t, "c1", map[string]any{"type": "read", "msg_id": 20})))
	reply := ft.lastReply(t)
	assert.Equal(t, "read_ok", reply["type"])
	assert.Equal(t, []any{float64(3), float64(7), float64(9)}, reply["messages"])
}

func TestTopologyBackfillsLateNeighbors(t *testing.T) {
	ft := &fakeTransport{id: "n1"}
	e := New(ft, zaptest.NewLogger(t))

	// Value delivered before any topology is assigned.
	require.NoError(t, e.HandleBroadcast(request(t, "c1", map[string]any{"type": "broadcast", "msg_id": 1, "message": 5})))

	topo := map[string]any{"type": "topology", "msg_id": 2,
		"topology": map[string][]string{"n1": {"n2"}}}
	require.NoError(t, e.HandleTopology(request(t, "c0", topo)))

	assert.Equal(t, []string{"n2"}, e.Neighbors())
	assert.Equal(t, []int64{5}, e.PendingFor("n2"))
}

func TestMalformedBodiesAreRejected(t *testing.T) {
	e, _ := newTestEngine(t, "n2")

	raw := json.RawMessage(`{"type":"broadcast","msg_id":1,"message":"not a number"}`)
	err := e.HandleBroadcast(protocol.Message{Src: "c1", Dest: "n1", Body: raw})
	var rpcErr *protocol.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeMalformedRequest, rpcErr.Code)
}

// lossyNetwork wires two engines together with a drop budget, proving
// eventual delivery once the link stops dropping.
type lossyNetwork struct {
	t       *testing.T
	engines map[string]*Engine
	drops   int
}

type networkTransport struct {
	id  string
	net *lossyNetwork
}

func (nt *networkTransport) ID() string { return nt.id }

func (nt *networkTransport) Reply(req protocol.Message, body any) error { return nil }

func (nt *networkTransport) RPC(dest string, body any, cb func(protocol.Message)) error {
	if nt.net.drops > 0 {
		nt.net.drops--
		return nil // dropped on the wire: no delivery, no ack
	}
	raw, err := json.Marshal(body)
	require.NoError(nt.net.t, err)
	msg := protocol.Message{Src: nt.id, Dest: dest, Body: raw}

	peer := nt.net.engines[dest]
	require.NotNil(nt.net.t, peer)

	var batch gossipBody
	require.NoError(nt.net.t, json.Unmarshal(raw, &batch))
	require.NoError(nt.net.t, peer.HandleGossip(msg))
	cb(ackFor(nt.net.t, batch.Messages))
	return nil
}

func TestEventualDeliveryAfterLoss(t *testing.T) {
	net := &lossyNetwork{t: t, engines: make(map[string]*Engine), drops: 3}

	// Line topology n1 <-> n2 <-> n3.
	topo := map[string][]string{"n1": {"n2"}, "n2": {"n1", "n3"}, "n3": {"n2"}}
	for id := range topo {
		e := New(&networkTransport{id: id, net: net}, zaptest.NewLogger(t))
		net.engines[id] = e
	}
	for id, e := range net.engines {
		body := map[string]any{"type": "topology", "msg_id": 1, "topology": topo}
		require.NoError(t, e.HandleTopology(protocol.Message{Src: "c0", Dest: id, Body: mustJSON(t, body)}))
	}

	require.NoError(t, net.engines["n1"].HandleBroadcast(
		request(t, "c1", map[string]any{"type": "broadcast", "msg_id": 2, "message": 42})))

	// First ticks are eaten by the drop budget; once it runs out the
	// per-neighbor pending sets deliver everything.
	for i := 0; i < 10; i++ {
		for _, e := range net.engines {
			e.Tick()
		}
	}
	for id, e := range net.engines {
		assert.Equal(t, []any{float64(42)}, e.testReadValues(t), "node %s missing value", id)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
