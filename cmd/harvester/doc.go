// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - Frontier: internal/frontier traverses the retailer sitemap with Colly,
//     extracts the numeric SKU from each product URL, deduplicates by first
//     occurrence, and snapshots the result to a local cache file so repeated
//     runs skip the network round trip.
//   - Fetch pipeline: internal/fetch posts the screen-service payload for
//     each SKU through a Resty client, attaching the shared session cookies
//     and CSRF token and routing through a proxy chosen per attempt by the
//     rotating pool in internal/proxy. Responses are classified into
//     transport, authorization, and structural failures.
//   - Session: internal/session guards the credential snapshot. Fetches only
//     read it; authorization failures raise a suspicion counter and past the
//     threshold the run halts rather than hammering the API with dead
//     cookies.
//   - Retry & persistence: failures land in a SQLite-backed retry queue
//     (internal/retry) with jittered exponential backoff and a bounded
//     attempt budget. Parsed products are upserted by SKU into the store
//     (internal/store), which offers SQLite and Postgres backends plus an
//     LRU read cache.
//   - Orchestration: internal/orchestrator runs discovery, bounded-worker
//     dispatch, and retry drain as a forward-only state machine, halting
//     early on session expiry while letting in-flight work finish.
//   - Configuration & plumbing: Viper populates config from file and
//     HARVESTER_* env vars; zap provides structured logging; Prometheus
//     collectors are exported on /metrics by the serve command.
//
// Quick checklist:
//   - Provide session cookies and the CSRF token via config or
//     HARVESTER_SESSION_* env vars before a run.
//   - Run locally: go run ./cmd/harvester run --config config.yaml
//   - Inspect failures: go run ./cmd/harvester retry --terminal
//   - Serve the catalog: go run ./cmd/harvester serve
package main
