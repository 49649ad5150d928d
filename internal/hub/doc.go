// Package hub is the cloud end of the agent channel.
//
// It upgrades agent websockets, resolves identity from the bearer token,
// enforces the register-first handshake, and demultiplexes inbound
// envelopes into registry and processor calls. Outbound command pushes
// go to the agent's current connection; with none registered the push is
// a no-op and the dispatcher's retry schedule surfaces the failure —
// there is no cloud-side mailbox for offline agents.
//
// The package also serves the HTTP observability API used by
// stall-admin.
package hub
