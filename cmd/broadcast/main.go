// Package main implements the broadcast workload: values received at any
// node are gossiped to the whole cluster through the harness-assigned
// topology, surviving dropped links and partitions.
//
// Configuration:
//   - GOSSIP_INTERVAL: tick period for pushing pending values (default 200ms)
//   - LOG_LEVEL: minimum diagnostic level on stderr (default info)
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/broadcast"
	"github.com/dreamware/murmur/internal/node"
	"github.com/dreamware/murmur/internal/telemetry"
)

func main() {
	log := telemetry.NewLogger()
	defer func() { _ = log.Sync() }()

	n := node.New(log)
	if err := n.Init(); err != nil {
		log.Fatal("init handshake failed", zap.Error(err))
	}

	engine := broadcast.New(n, log)
	n.Handle("broadcast", engine.HandleBroadcast)
	n.Handle("read", engine.HandleRead)
	n.Handle("topology", engine.HandleTopology)
	n.Handle("gossip", engine.HandleGossip)
	n.Every(getenvDuration("GOSSIP_INTERVAL", 200*time.Millisecond), engine.Tick)

	if err := n.Run(context.Background()); err != nil {
		log.Fatal("node terminated", zap.Error(err))
	}
	telemetry.LogSummary(log)
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
