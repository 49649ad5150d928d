// Package client maintains the agent's channel to the gateway: dial,
// register-first handshake, heartbeats, and reconnect with capped,
// jittered exponential backoff. Every connect re-announces the full
// device list because the gateway keeps no session memory across
// disconnects.
package client
