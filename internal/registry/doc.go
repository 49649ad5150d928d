// Package registry tracks live agent sessions per (tenant, agent).
//
// At most one session is authoritative per key: a new registration
// supersedes the old session rather than merging with it, and a stale
// disconnect can never erase a fresher session. Device status stored
// here is edge-authoritative; the registry only mirrors what agents
// report.
package registry
