// Package api implements the relay's HTTP ingress (Gin-based): audit-event
// writes, inbound capability requests, queue inspection and the health,
// metrics and version endpoints.
package api
