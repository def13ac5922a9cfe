// Package api hosts the HTTP server, middleware, and REST handlers for
// operator and owner access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tasks for task registration, status changes and progress.
//   - /v1/failures for the problem-URL console and its batch actions.
//   - POST /v1/diagnose, /v1/proxies/validate and /v1/tick for ad hoc
//     operator tooling.
package api
