// Package cmd defines the CLI commands for the scrape-scheduler executable.
//
// Architecture overview:
//   - Scheduler: internal/scheduler owns the task table, a priority ready queue and a
//     delay queue for future triggers and retry backoff. A semaphore bounds concurrent
//     attempts at scheduler.max_instances, and a circuit breaker stops admission after
//     repeated failures.
//   - Attempts: each attempt waits on the per-domain rate limiter, leases a proxy from
//     the proxy registry when enabled, checks a browser out of the browser manager and
//     hands the rendered page to the snapshot extractor.
//   - Results: every attempt is recorded in Postgres when a DSN is configured and
//     published to Pub/Sub when a topic is configured; snapshots land in the configured
//     blob store (memory, local or GCS).
//   - Plumbing: Viper populates config from file and SCRAPER_* env vars; zap provides
//     structured logging; Prometheus metrics are served on /metrics by the admin API.
//
// Quick checklist:
//   - Run locally: scrape-scheduler serve --config config.yaml
//   - Check a config file without starting anything: scrape-scheduler validate --config config.yaml
//   - The process reacts to SIGINT/SIGTERM by cancelling running tasks and releasing
//     every browser and proxy before exiting.
package cmd
