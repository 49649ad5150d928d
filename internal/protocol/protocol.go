// ABOUTME: Wire contract for the gateway<->agent websocket channel.
// ABOUTME: Named JSON envelopes plus the payload schemas they carry.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names an envelope on the wire.
type MessageType string

// Inbound (agent -> gateway) message types.
const (
	MsgRegisterAgent       MessageType = "RegisterAgent"
	MsgUnregisterAgent     MessageType = "UnregisterAgent"
	MsgHeartbeat           MessageType = "Heartbeat"
	MsgReportDeviceStatus  MessageType = "ReportDeviceStatus"
	MsgReportCommandResult MessageType = "ReportCommandResult"
)

// Outbound (gateway -> agent) message types.
const (
	MsgExecuteTerminalCommand      MessageType = "ExecuteTerminalCommand"
	MsgExecuteFiscalPrinterCommand MessageType = "ExecuteFiscalPrinterCommand"
	MsgCancelCommand               MessageType = "CancelCommand"
	MsgConnected                   MessageType = "Connected"
	MsgError                       MessageType = "Error"
)

// Lifecycle event types. These never travel on the channel; they tag
// in-process tenant events delivered to cloud-side observers.
const (
	MsgAgentRegistered   MessageType = "AgentRegistered"
	MsgAgentUnregistered MessageType = "AgentUnregistered"
)

// Envelope is the framing for every message on the channel. Payload holds
// the message-specific schema; identity never travels in the envelope, it
// is resolved from connection headers at upgrade time.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload struct into an envelope of the given type.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, SentAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// DeviceType classifies a peripheral attached to an agent.
type DeviceType string

const (
	DeviceTerminal      DeviceType = "terminal"
	DeviceFiscalPrinter DeviceType = "fiscal-printer"
)

// DeviceStatus is edge-authoritative; the gateway only mirrors it.
type DeviceStatus string

const (
	DeviceReady   DeviceStatus = "ready"
	DeviceBusy    DeviceStatus = "busy"
	DeviceError   DeviceStatus = "error"
	DeviceOffline DeviceStatus = "offline"
)

// CommandType is the closed set of device operations.
type CommandType string

const (
	CmdAuthorizePayment    CommandType = "authorize-payment"
	CmdCapturePayment      CommandType = "capture-payment"
	CmdRefundPayment       CommandType = "refund-payment"
	CmdCancelPayment       CommandType = "cancel-payment"
	CmdCheckTerminalStatus CommandType = "check-terminal-status"
	CmdPrintFiscalReceipt  CommandType = "print-fiscal-receipt"
	CmdPrintNonFiscalDoc   CommandType = "print-non-fiscal-document"
	CmdGetDailyReport      CommandType = "get-daily-report"
	CmdCheckPrinterStatus  CommandType = "check-printer-status"
)

// DeviceFor returns which device type executes a command type, or an error
// for a type outside the closed set.
func (c CommandType) DeviceFor() (DeviceType, error) {
	switch c {
	case CmdAuthorizePayment, CmdCapturePayment, CmdRefundPayment,
		CmdCancelPayment, CmdCheckTerminalStatus:
		return DeviceTerminal, nil
	case CmdPrintFiscalReceipt, CmdPrintNonFiscalDoc,
		CmdGetDailyReport, CmdCheckPrinterStatus:
		return DeviceFiscalPrinter, nil
	}
	return "", fmt.Errorf("unknown command type %q", c)
}

// DeviceInfo describes one peripheral in an agent's declaration.
type DeviceInfo struct {
	DeviceID  string       `json:"device_id"`
	Type      DeviceType   `json:"type"`
	Status    DeviceStatus `json:"status"`
	Primary   bool         `json:"primary"`
	Model     string       `json:"model,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RegisterAgentPayload announces the agent and its hardware. Sent as the
// first message on every connection; the gateway keeps no memory of a
// session across disconnects, so the agent is fully self-describing.
type RegisterAgentPayload struct {
	AgentVersion string       `json:"agent_version,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	OS           string       `json:"os,omitempty"`
	Devices      []DeviceInfo `json:"devices"`
}

// HeartbeatPayload keeps the session inside the liveness window.
type HeartbeatPayload struct {
	UptimeSeconds int64 `json:"uptime_seconds,omitempty"`
	QueueDepth    int   `json:"queue_depth"`
}

// ReportDeviceStatusPayload mirrors a device status change to the gateway.
type ReportDeviceStatusPayload struct {
	DeviceID string            `json:"device_id"`
	Status   DeviceStatus      `json:"status"`
	Details  map[string]string `json:"details,omitempty"`
}

// ExecuteCommandPayload is the command envelope pushed to an agent. The
// payload is opaque to the channel; its schema depends on CommandType.
type ExecuteCommandPayload struct {
	CommandID string          `json:"command_id"`
	Type      CommandType     `json:"command_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// CancelCommandPayload asks the agent to drop a not-yet-executed command.
type CancelCommandPayload struct {
	CommandID string `json:"command_id"`
}

// CommandResultPayload carries the outcome of one command back to the
// gateway. Correlation is by CommandID only, never by session.
type CommandResultPayload struct {
	CommandID    string          `json:"command_id"`
	Success      bool            `json:"success"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// ConnectedPayload is the gateway's handshake acknowledgement.
type ConnectedPayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
}

// AgentLifecyclePayload is broadcast to tenant observers when an agent
// registers or unregisters.
type AgentLifecyclePayload struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a protocol-level problem to the peer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
