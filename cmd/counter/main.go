// Package main implements the grow-only counter workload.
//
// Two backends are available:
//   - crdt (default): a G-counter replicated by periodic anti-entropy.
//   - seq-kv: the total lives in the harness seq-kv service behind a
//     compare-and-swap loop.
//
// Configuration:
//   - COUNTER_BACKEND: "crdt" or "seq-kv" (default "crdt")
//   - REPLICATE_INTERVAL: anti-entropy period, crdt backend only (default 500ms)
//   - LOG_LEVEL: minimum diagnostic level on stderr (default info)
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/murmur/internal/counter"
	"github.com/dreamware/murmur/internal/node"
	"github.com/dreamware/murmur/internal/seqkv"
	"github.com/dreamware/murmur/internal/telemetry"
)

func main() {
	log := telemetry.NewLogger()
	defer func() { _ = log.Sync() }()

	n := node.New(log)
	if err := n.Init(); err != nil {
		log.Fatal("init handshake failed", zap.Error(err))
	}

	switch backend := getenv("COUNTER_BACKEND", "crdt"); backend {
	case "crdt":
		engine := counter.NewEngine(n, log)
		n.Handle("add", engine.HandleAdd)
		n.Handle("read", engine.HandleRead)
		n.Handle("replicate", engine.HandleReplicate)
		n.Every(getenvDuration("REPLICATE_INTERVAL", 500*time.Millisecond), engine.Tick)
	case "seq-kv":
		engine := counter.NewKVEngine(n, seqkv.NewClient(n), log)
		n.Handle("add", engine.HandleAdd)
		n.Handle("read", engine.HandleRead)
	default:
		log.Fatal("unknown counter backend", zap.String("backend", backend))
	}

	if err := n.Run(context.Background()); err != nil {
		log.Fatal("node terminated", zap.Error(err))
	}
	telemetry.LogSummary(log)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
