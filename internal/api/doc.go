// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes. readyz fails while the
//     scheduler's circuit breaker is open.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/scheduler/metrics for the scheduler summary.
//   - GET/POST /v1/tasks... to inspect, submit, run, pause, resume and cancel tasks.
//   - GET /v1/proxies for the proxy pool snapshot.
package api
