// Package api hosts the status server that runs alongside an enrichment run.
// Routes:
//   - GET /healthz and /readyz for health checks; readyz fails once the browser
//     session is gone.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run and /v1/runs/{run_id} for run progress.
//   - GET /v1/products/{key} for persisted products.
package api
