// Package main implements the echo workload: every echo request is answered
// with an echo_ok mirroring its payload. Trivial on purpose; it exists to
// prove the runtime's handshake, dispatch, and reply plumbing end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/node"
	"github.com/dreamware/murmur/internal/protocol"
	"github.com/dreamware/murmur/internal/telemetry"
)

type echoRequest struct {
	protocol.Body
	Echo json.RawMessage `json:"echo"`
}

type echoOK struct {
	Type string          `json:"type"`
	Echo json.RawMessage `json:"echo"`
}

func main() {
	log := telemetry.NewLogger()
	defer func() { _ = log.Sync() }()

	n := node.New(log)
	if err := n.Init(); err != nil {
		log.Fatal("init handshake failed", zap.Error(err))
	}

	n.Handle("echo", func(msg protocol.Message) error {
		var req echoRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return protocol.MalformedRequest(fmt.Sprintf("echo: %v", err))
		}
		return n.Reply(msg, echoOK{Type: "echo_ok", Echo: req.Echo})
	})

	if err := n.Run(context.Background()); err != nil {
		log.Fatal("node terminated", zap.Error(err))
	}
	telemetry.LogSummary(log)
}
