// Package ratelimit implements token-bucket admission control for job
// processing. The consume operation must be atomic against concurrent
// callers sharing a key; the Redis-backed store runs it as a single
// server-side Lua script, and the in-memory store serializes it behind a
// mutex for tests and single-process deployments.
package ratelimit
