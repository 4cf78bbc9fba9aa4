// Package metrics registers and records the Prometheus instruments of
// the DreamForge service: HTTP traffic, mesh provider calls, pipeline
// stage activity, credit movement, cache effectiveness, and database
// pool health. Instruments are created through promauto under one
// namespace; the Collector is safe for concurrent use.
package metrics
