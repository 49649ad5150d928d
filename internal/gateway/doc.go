// Package gateway assembles the cloud side — registry, processor, hub,
// dispatcher, HTTP API — and runs it as one server.
package gateway
