// Package main implements the unique-ids workload: generate requests are
// answered with ids guaranteed unique across the cluster without any
// coordination. Retried generate requests reuse their msg_id, so the
// harness sees one id per logical request even under duplication.
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/node"
	"github.com/dreamware/murmur/internal/protocol"
	"github.com/dreamware/murmur/internal/telemetry"
	"github.com/dreamware/murmur/internal/uniqueid"
)

type generateOK struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func main() {
	log := telemetry.NewLogger()
	defer func() { _ = log.Sync() }()

	n := node.New(log)
	if err := n.Init(); err != nil {
		log.Fatal("init handshake failed", zap.Error(err))
	}

	gen := uniqueid.New(n.ID())
	n.Handle("generate", func(msg protocol.Message) error {
		return n.Reply(msg, generateOK{Type: "generate_ok", ID: gen.NextID()})
	})

	if err := n.Run(context.Background()); err != nil {
		log.Fatal("node terminated", zap.Error(err))
	}
	telemetry.LogSummary(log)
}
