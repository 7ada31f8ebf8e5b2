// Package notifier turns job outcomes into operator messages.
//
// The service subscribes to job.outcome events on the bus, formats one message per outcome and
// delivers it to every configured target through a transport.Sender (the Telegram sender in
// production). Delivery is fire-and-forget: a bounded queue, a small worker pool, a token-bucket
// rate limit, retry with backoff, and time-windowed dedup so a job that keeps failing the same
// way does not flood the chat.
//
// # Dedup
//
// Suppression windows live in memory and, with PersistDedup, in the storage dedup table so they
// survive restarts.
//
// # History
//
// The service keeps a small in-memory history of recently sent messages for diagnostics.
package notifier
