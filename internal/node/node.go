package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/protocol"
	"github.com/dreamware/murmur/internal/telemetry"
)

// ErrDeliveryFailure is returned by Request when the retry ceiling is
// exceeded without a reply. Callers treat it as "peer currently
// unreachable", not as a fatal condition.
var ErrDeliveryFailure = errors.New("retry ceiling exceeded")

// HandlerFunc processes one inbound request. A returned *protocol.RPCError
// is sent back to the requester as an error reply; any other error is
// logged and answered with a crash-code reply.
type HandlerFunc func(msg protocol.Message) error

// pendingCall tracks one outstanding msg_id. Exactly one of done or
// callback is set: done for synchronous Request callers, callback for
// asynchronous RPC. callback entries carry a deadline so the janitor can
// drop them if the reply never arrives.
type pendingCall struct {
	done     chan protocol.Message
	callback func(protocol.Message)
	deadline time.Time
}

type tickerSpec struct {
	interval time.Duration
	fn       func()
}

// Node is the per-process runtime. Identity fields are set once by Init and
// immutable afterwards.
type Node struct {
	id      string
	nodeIDs []string

	in    *bufio.Reader
	outMu sync.Mutex
	out   io.Writer

	handlers map[string]HandlerFunc
	tickers  []tickerSpec

	nextMsgID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	retry       RetryPolicy
	callbackTTL time.Duration

	log      *zap.Logger
	inflight sync.WaitGroup // handler and callback goroutines
	loops    sync.WaitGroup // ticker loops
}

// New creates a runtime reading from stdin and writing to stdout.
func New(log *zap.Logger) *Node {
	n := &Node{
		out:         os.Stdout,
		handlers:    make(map[string]HandlerFunc),
		pending:     make(map[uint64]*pendingCall),
		retry:       DefaultRetryPolicy,
		callbackTTL: 10 * time.Second,
		log:         log.Named("node"),
	}
	n.setInput(os.Stdin)
	return n
}

// SetIO redirects the runtime's streams. Test hook; call before Init.
func (n *Node) SetIO(in io.Reader, out io.Writer) {
	n.setInput(in)
	n.out = out
}

// SetRetryPolicy overrides the request retry schedule. Call before Run.
func (n *Node) SetRetryPolicy(p RetryPolicy) {
	n.retry = p
}

func (n *Node) setInput(in io.Reader) {
	n.in = bufio.NewReaderSize(in, 64*1024)
}

// maxLineBytes caps how much of a single input line is held in memory.
// Longer lines are drained off the stream and dropped, keeping framing
// intact for whatever follows.
const maxLineBytes = 4 * 1024 * 1024

var errLineTooLong = errors.New("input line exceeds size limit")

// readLine returns the next line without its delimiter. A final line with
// no trailing newline is still returned. Oversized lines are consumed in
// full and reported as errLineTooLong so the caller can skip them.
func (n *Node) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := n.in.ReadSlice('\n')
		if len(buf) <= maxLineBytes {
			buf = append(buf, chunk...)
		}
		switch {
		case err == nil:
			if len(buf) > maxLineBytes {
				return nil, errLineTooLong
			}
			return bytes.TrimSuffix(buf, []byte{'\n'}), nil
		case errors.Is(err, bufio.ErrBufferFull):
			// keep consuming the same line
		case errors.Is(err, io.EOF):
			if len(buf) > maxLineBytes {
				return nil, errLineTooLong
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// ID returns this node's name. Valid after Init.
func (n *Node) ID() string { return n.id }

// NodeIDs returns every node name in the cluster, this node included.
// The slice is set once at Init and must not be mutated.
func (n *Node) NodeIDs() []string { return n.nodeIDs }

// Handle registers fn for inbound messages of the given body type.
// Registration is only valid before Run.
func (n *Node) Handle(msgType string, fn HandlerFunc) {
	n.handlers[msgType] = fn
}

// Every schedules fn on a fixed interval for the lifetime of Run.
// Registration is only valid before Run.
func (n *Node) Every(interval time.Duration, fn func()) {
	n.tickers = append(n.tickers, tickerSpec{interval: interval, fn: fn})
}

type initBody struct {
	protocol.Body
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

// Init consumes the harness handshake: the first line must be an init
// message carrying this node's id and the cluster node list. The handshake
// is acknowledged before Init returns, so workload traffic arriving
// afterwards sees a fully identified node. Any failure here is fatal to the
// process; there is no identity to fall back on.
func (n *Node) Init() error {
	line, err := n.readLine()
	if errors.Is(err, io.EOF) {
		return errors.New("input closed before init handshake")
	}
	if err != nil {
		return fmt.Errorf("read init: %w", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		return fmt.Errorf("init handshake: %w", err)
	}
	var body initBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("init handshake: %w", err)
	}
	if body.Type != "init" {
		return fmt.Errorf("init handshake: expected init, got %q", body.Type)
	}
	if body.NodeID == "" {
		return errors.New("init handshake: missing node_id")
	}
	n.id = body.NodeID
	n.nodeIDs = body.NodeIDs
	if err := n.Reply(msg, protocol.Body{Type: "init_ok"}); err != nil {
		return fmt.Errorf("acknowledge init: %w", err)
	}
	n.log = n.log.With(zap.String("node", n.id))
	n.log.Info("initialized", zap.Int("cluster_size", len(n.nodeIDs)))
	return nil
}

// Run consumes stdin until it closes, dispatching each decoded message.
// Malformed lines are logged and skipped; the loop survives any sequence of
// hostile inputs. On EOF the background tickers are stopped and in-flight
// handlers drained before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if n.id == "" {
		return errors.New("node not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.startLoop(ctx, time.Second, n.sweepExpired)
	for _, t := range n.tickers {
		n.startLoop(ctx, t.interval, t.fn)
	}

	var readErr error
	for {
		line, err := n.readLine()
		if errors.Is(err, errLineTooLong) {
			telemetry.DecodeErrors.Inc()
			n.log.Warn("dropping oversized input line", zap.Int("limit_bytes", maxLineBytes))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		n.dispatch(line)
	}

	cancel()
	n.loops.Wait()
	n.inflight.Wait()

	if readErr != nil {
		return fmt.Errorf("read input: %w", readErr)
	}
	n.log.Info("input closed, shutting down")
	return nil
}

func (n *Node) startLoop(ctx context.Context, interval time.Duration, fn func()) {
	n.loops.Add(1)
	go func() {
		defer n.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (n *Node) dispatch(line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		n.log.Warn("skipping undecodable line", zap.Error(err))
		return
	}
	meta, err := protocol.Meta(msg)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		n.log.Warn("skipping message with unreadable body", zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(meta.Type).Inc()
	n.log.Debug("recv", zap.String("src", msg.Src), zap.String("type", meta.Type))

	if meta.InReplyTo != 0 {
		n.resolve(meta.InReplyTo, msg)
		return
	}

	handler, ok := n.handlers[meta.Type]
	if !ok {
		if meta.MsgID != 0 {
			n.replyError(msg, protocol.NotSupported(fmt.Sprintf("unknown message type %q", meta.Type)))
		} else {
			n.log.Warn("dropping message of unknown type", zap.String("type", meta.Type))
		}
		return
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		if err := handler(msg); err != nil {
			n.handlerFailed(msg, meta, err)
		}
	}()
}

func (n *Node) handlerFailed(msg protocol.Message, meta protocol.Body, err error) {
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		n.log.Error("handler failed", zap.String("type", meta.Type), zap.Error(err))
		rpcErr = protocol.Crash(err.Error())
	}
	if meta.MsgID == 0 {
		n.log.Warn("cannot report error, request carried no msg_id",
			zap.String("type", meta.Type), zap.String("error", rpcErr.Text))
		return
	}
	n.replyError(msg, rpcErr)
}

func (n *Node) replyError(req protocol.Message, rpcErr *protocol.RPCError) {
	if err := n.Reply(req, protocol.NewErrorBody(rpcErr)); err != nil {
		n.log.Error("send error reply", zap.Error(err))
	}
}

// resolve delivers a reply to whichever caller is waiting on its msg_id.
// First reply wins: the entry is removed before delivery, so a duplicate
// reply finds nothing and is dropped.
func (n *Node) resolve(inReplyTo uint64, msg protocol.Message) {
	n.pendingMu.Lock()
	call, ok := n.pending[inReplyTo]
	if ok {
		delete(n.pending, inReplyTo)
	}
	n.pendingMu.Unlock()

	if !ok {
		telemetry.DuplicateReplies.Inc()
		n.log.Debug("reply with no pending request",
			zap.Uint64("in_reply_to", inReplyTo), zap.String("src", msg.Src))
		return
	}
	switch {
	case call.done != nil:
		call.done <- msg
	case call.callback != nil:
		n.inflight.Add(1)
		go func() {
			defer n.inflight.Done()
			call.callback(msg)
		}()
	}
}

// sweepExpired drops callback entries whose reply never arrived. Request
// entries manage their own lifetime and are skipped.
func (n *Node) sweepExpired() {
	now := time.Now()
	n.pendingMu.Lock()
	for id, call := range n.pending {
		if call.callback != nil && now.After(call.deadline) {
			delete(n.pending, id)
		}
	}
	n.pendingMu.Unlock()
}

// buildBody marshals a workload body and injects the runtime-owned fields.
// Returns the raw body and its type tag for instrumentation.
func (n *Node) buildBody(body any, msgID, inReplyTo uint64) (json.RawMessage, string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal body: %w", err)
	}
	// Raw messages keep every field value byte-for-byte, so large integers
	// are not squeezed through float64 on the way back out.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", fmt.Errorf("body must be a json object: %w", err)
	}
	if fields == nil {
		return nil, "", errors.New("body must be a json object")
	}
	if msgID != 0 {
		fields["msg_id"] = json.RawMessage(strconv.FormatUint(msgID, 10))
	}
	if inReplyTo != 0 {
		fields["in_reply_to"] = json.RawMessage(strconv.FormatUint(inReplyTo, 10))
	}
	var msgType string
	if rawType, ok := fields["type"]; ok {
		_ = json.Unmarshal(rawType, &msgType)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("marshal body: %w", err)
	}
	return out, msgType, nil
}

func (n *Node) write(dest string, body json.RawMessage, msgType string) error {
	line, err := protocol.Encode(protocol.Message{Src: n.id, Dest: dest, Body: body})
	if err != nil {
		return err
	}
	n.outMu.Lock()
	_, err = n.out.Write(append(line, '\n'))
	n.outMu.Unlock()
	if err != nil {
		return fmt.Errorf("write to %s: %w", dest, err)
	}
	telemetry.MessagesSent.WithLabelValues(msgType).Inc()
	n.log.Debug("sent", zap.String("dest", dest), zap.String("type", msgType))
	return nil
}

// Send transmits a fire-and-forget message. No msg_id is assigned and no
// reply is expected; delivery failure surfaces only through whatever retry
// the calling component runs itself.
func (n *Node) Send(dest string, body any) error {
	raw, msgType, err := n.buildBody(body, 0, 0)
	if err != nil {
		return err
	}
	return n.write(dest, raw, msgType)
}

// Reply answers a request, correlating via the request's msg_id.
func (n *Node) Reply(req protocol.Message, body any) error {
	meta, err := protocol.Meta(req)
	if err != nil {
		return err
	}
	raw, msgType, err := n.buildBody(body, n.nextMsgID.Add(1), meta.MsgID)
	if err != nil {
		return err
	}
	return n.write(req.Src, raw, msgType)
}

// Request transmits body to dest and blocks until a matching reply arrives,
// ctx is cancelled, or the retry ceiling is exceeded. Every retransmission
// reuses the original msg_id, so receivers observe one logical request. An
// error-body reply is surfaced as a *protocol.RPCError alongside the raw
// reply message.
func (n *Node) Request(ctx context.Context, dest string, body any) (protocol.Message, error) {
	msgID := n.nextMsgID.Add(1)
	raw, msgType, err := n.buildBody(body, msgID, 0)
	if err != nil {
		return protocol.Message{}, err
	}

	done := make(chan protocol.Message, 1)
	n.pendingMu.Lock()
	n.pending[msgID] = &pendingCall{done: done}
	n.pendingMu.Unlock()
	defer n.forget(msgID)

	bo := newBackoff(n.retry)
	for attempt := 1; attempt <= n.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			telemetry.RPCRetries.Inc()
			n.log.Debug("retrying request", zap.String("dest", dest),
				zap.String("type", msgType), zap.Uint64("msg_id", msgID),
				zap.Int("attempt", attempt))
		}
		if err := n.write(dest, raw, msgType); err != nil {
			return protocol.Message{}, err
		}
		select {
		case reply := <-done:
			if rpcErr, isErr := protocol.AsRPCError(reply); isErr {
				return reply, rpcErr
			}
			return reply, nil
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-time.After(bo.next()):
		}
	}

	telemetry.RPCFailures.Inc()
	return protocol.Message{}, fmt.Errorf("request %s to %s (msg_id %d): %w",
		msgType, dest, msgID, ErrDeliveryFailure)
}

// RPC transmits body to dest once and invokes cb when the reply arrives.
// There is no runtime retry: callers that need redelivery (the gossip tick)
// re-send from their own state on their own schedule. If the reply never
// lands the pending entry is swept after the callback TTL and cb is never
// invoked.
func (n *Node) RPC(dest string, body any, cb func(protocol.Message)) error {
	msgID := n.nextMsgID.Add(1)
	raw, msgType, err := n.buildBody(body, msgID, 0)
	if err != nil {
		return err
	}
	n.pendingMu.Lock()
	n.pending[msgID] = &pendingCall{callback: cb, deadline: time.Now().Add(n.callbackTTL)}
	n.pendingMu.Unlock()

	if err := n.write(dest, raw, msgType); err != nil {
		n.forget(msgID)
		return err
	}
	return nil
}

func (n *Node) forget(msgID uint64) {
	n.pendingMu.Lock()
	delete(n.pending, msgID)
	n.pendingMu.Unlock()
}
