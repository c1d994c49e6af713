// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to submit an import job, plus status, result and
//     cancel routes under /v1/imports/{job_id}.
//   - POST /v1/fetch to fetch one reference without importing it.
package api
