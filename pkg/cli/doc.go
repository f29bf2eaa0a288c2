// Package cli defines the audit-relay command tree (serve, version) and
// assembles the relay process from its configuration: transports, the
// capability fabric, the dispatcher, the delivery daemon and the ingress
// server.
package cli
