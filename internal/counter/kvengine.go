package counter

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/protocol"
	"github.com/dreamware/murmur/internal/seqkv"
)

// counterKey is the single seq-kv key holding the global total.
const counterKey = "counter"

// kvStore abstracts the seq-kv client for tests.
type kvStore interface {
	ReadInt(ctx context.Context, key string) (int64, error)
	CompareAndSwap(ctx context.Context, key, from, to string, createIfNotExists bool) error
}

type replier interface {
	Reply(req protocol.Message, body any) error
}

// KVEngine is the alternative counter backend: the total lives in the
// harness seq-kv service and adds go through a compare-and-swap loop. No
// anti-entropy is needed since the service itself is the single replica.
type KVEngine struct {
	t   replier
	kv  kvStore
	log *zap.Logger
}

func NewKVEngine(t replier, kv kvStore, log *zap.Logger) *KVEngine {
	return &KVEngine{t: t, kv: kv, log: log.Named("counter-kv")}
}

// HandleAdd folds delta into the stored total, retrying the CAS until it
// lands on an unchanged base value.
func (e *KVEngine) HandleAdd(msg protocol.Message) error {
	var req addRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.MalformedRequest(fmt.Sprintf("add: %v", err))
	}
	if req.Delta < 0 {
		return protocol.PreconditionFailed(ErrNegativeDelta.Error())
	}

	ctx := context.Background()
	for {
		current, err := e.kv.ReadInt(ctx, counterKey)
		if err != nil && !seqkv.IsKeyDoesNotExist(err) {
			return fmt.Errorf("read counter: %w", err)
		}
		err = e.kv.CompareAndSwap(ctx, counterKey,
			fmt.Sprintf("%d", current), fmt.Sprintf("%d", current+req.Delta), true)
		if seqkv.IsPreconditionFailed(err) {
			e.log.Debug("cas lost a race, retrying", zap.Int64("base", current))
			continue
		}
		if err != nil {
			return fmt.Errorf("cas counter: %w", err)
		}
		break
	}
	return e.t.Reply(msg, okBody{Type: "add_ok"})
}

// HandleRead replies with the stored total; a missing key reads as zero.
func (e *KVEngine) HandleRead(msg protocol.Message) error {
	value, err := e.kv.ReadInt(context.Background(), counterKey)
	if err != nil && !seqkv.IsKeyDoesNotExist(err) {
		return fmt.Errorf("read counter: %w", err)
	}
	return e.t.Reply(msg, readOKBody{Type: "read_ok", Value: value})
}
