// Package notifier delivers short chat messages (disconnect confirmations)
// asynchronously: a bounded queue feeds a worker pool that shares a token
// bucket rate limit, retries failed sends with jittered backoff, and
// suppresses identical messages within a dedup window.
//
// With the pipeline disabled, Notify sends synchronously through the adapter.
package notifier
