// Package notifier delivers operator alerts: posts that failed permanently,
// posts that exhausted their retries, and dedup store outages.
//
// Alerts go through an async queue drained by a small worker pool. Sends are
// throttled with a token bucket, retried with jittered backoff, and identical
// alerts inside the dedup window are suppressed so a flapping dependency
// does not flood the operator chat.
package notifier
