// Package main hosts the scavenge CLI entrypoint.
//
// Architecture overview:
//   - Engine: internal/engine runs a fixed worker pool that drains the
//     frontier, fetching pages through the Colly-based fetcher, parsing
//     them with goquery, and extracting readable text.
//   - Frontier: internal/frontier gates URL admission (dedup, depth bound,
//     domain scope, filter chain) under one lock and serves entries FIFO.
//   - Checkpointing: internal/checkpoint writes tagged NDJSON records
//     through a storage backend (local file or GCS object); --resume
//     replays the log and restores the frontier snapshot.
//   - Results: internal/writer persists the final result set to JSON,
//     JSONL, or text files and optionally to Postgres.
//   - Plumbing: Viper populates config from file/env, zap provides
//     structured logging, Prometheus metrics are served when enabled, and
//     crawl events can be published to Pub/Sub.
package main

import "github.com/mkoster/scavenge/cmd"

func main() {
	cmd.Execute()
}
