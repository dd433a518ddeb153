// Package metrics provides the Prometheus instruments of the worker, a
// collector that reports queue depth from the store at scrape time, and the
// small chi-based HTTP endpoint that serves them alongside a health check.
package metrics
