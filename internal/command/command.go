// ABOUTME: Command model and lifecycle state machine for device operations.
// ABOUTME: Transitions are monotonic; only Failed -> Queued (retry) revisits a state.

package command

import (
	"encoding/json"
	"time"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// Status is a command's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Command is one request to execute a device operation. The processor owns
// the record for its entire lifetime; the edge holds only a transient copy.
type Command struct {
	ID       string
	TenantID string
	AgentID  string
	Type     protocol.CommandType
	Device   protocol.DeviceType
	Payload  json.RawMessage

	Status      Status
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Retries     int
	Timeout     time.Duration
	Response    *protocol.CommandResultPayload
}

// clone returns a copy safe to hand outside the processor's locks.
func (c *Command) clone() *Command {
	cp := *c
	if c.Response != nil {
		r := *c.Response
		cp.Response = &r
	}
	return &cp
}
