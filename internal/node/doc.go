// Package node implements the runtime shared by every workload binary: the
// init handshake, the stdin receive loop, handler dispatch, and the
// send/reply/request primitives used to talk to peers and harness services.
//
// # Lifecycle
//
//	n := node.New(logger)
//	if err := n.Init(); err != nil { ... }   // consumes the init handshake
//	n.Handle("broadcast", engine.HandleBroadcast)
//	n.Every(200*time.Millisecond, engine.Tick)
//	err := n.Run(ctx)                        // until stdin closes
//
// Init must succeed before Run; a node without an identity cannot source
// messages. Handle and Every registrations are only valid before Run.
//
// # Request tracking
//
// Request assigns a fresh msg_id, transmits, and blocks the caller until a
// reply with a matching in_reply_to arrives. If no reply lands within the
// backoff interval the identical line is re-sent with the same msg_id, so a
// receiver can treat the msg_id as an idempotency key. After MaxAttempts
// transmissions the call resolves to ErrDeliveryFailure; it never blocks
// forever. The first matching reply wins and later duplicates are dropped.
//
// RPC is the asynchronous variant used by the gossip tick: one transmission,
// one optional callback on reply, and no runtime-level retry; the engine's
// own ticker is the retry mechanism there.
//
// # Concurrency
//
// A single goroutine consumes stdin. Handlers and reply callbacks run on
// tracked goroutines so a slow handler never stalls message intake. The
// pending-request table is mutex-protected because the receive loop, the
// janitor ticker, and requesting goroutines all touch it. Writes to stdout
// are serialized; one message per line.
package node
