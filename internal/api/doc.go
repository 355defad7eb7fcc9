// Package api hosts the HTTP server, middleware, and REST handlers of the
// conversion gateway. Routes:
//   - GET /health for liveness and GET /readyz for converter availability.
//   - GET /formats to advertise the accepted source and target formats.
//   - POST /convert to run one conversion through a temp workspace.
//   - GET /metrics for Prometheus scraping.
//
// Every JSON body carries a "timestamp" field added by respond. A per-client
// rate limit applies to every route except /metrics.
package api
