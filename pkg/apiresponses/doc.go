// Package apiresponses provides the JSON response helpers used by the
// relay's ingress handlers so every error body has the same shape.
package apiresponses
