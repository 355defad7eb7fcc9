// Package main hosts the docconvert entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /health, /readyz, /formats, /convert and /metrics. Requests are
//     validated against the format registry before any file is written.
//   - Workspace: each conversion gets an input and an output file named by a fresh UUID inside one shared temp
//     directory (workspace.dir). Both files are removed before the response is sent, on success and on failure.
//   - Converter: pandoc is spawned once per request with `-f <from> -t <to> -o <output> <input>`. Its stderr is
//     surfaced to the caller as the failure detail. Only converter.timeout_seconds stops a running conversion.
//   - Admission: a per-client fixed window (ratelimit.max_requests per ratelimit.window_seconds) answers 429 with
//     Retry-After once the quota is spent. CORS preflights count; /metrics is exempt.
//   - Configuration & plumbing: Viper populates config from env (DOCCONVERT_*) and an optional file; zap provides
//     structured logging; Prometheus metrics are exported at /metrics.
//
// Commands:
//   - serve: run the gateway until SIGINT/SIGTERM, then drain in-flight requests for server.shutdown_timeout_seconds.
//   - formats: print the registry as a table, JSON or YAML.
//   - convert: run one conversion locally through the same workspace and converter.
//   - version: print the service version and the converter's version line.
//
// Quick checklist:
//   - Install pandoc (and a LaTeX engine for pdf output) on the host or container image.
//   - Configure env vars: DOCCONVERT_SERVER_PORT or PORT, DOCCONVERT_WORKSPACE_DIR, DOCCONVERT_CONVERTER_BINARY,
//     DOCCONVERT_RATELIMIT_MAX_REQUESTS, DOCCONVERT_SERVER_TRUST_PROXY when running behind a load balancer.
//   - Run locally: go run ./cmd/docconvert serve --config config.yaml (or rely solely on env overrides).
package main
