// Package ratelimit provides keyed token-bucket rate limiting middleware for
// the relay's Gin ingress, with automatic stale-entry cleanup.
package ratelimit
