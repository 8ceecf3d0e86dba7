// ABOUTME: Wire frames, handshake payloads and method params for the gateway protocol
// ABOUTME: Shared by the WebSocket server and the RPC client

package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Method names served by the gateway.
const (
	MethodConnect        = "connect"
	MethodAgent          = "agent"
	MethodAgentWait      = "agent.wait"
	MethodAgentIdentity  = "agent.identity.get"
	MethodSessionsDelete = "sessions.delete"
	MethodSessionsSpawn  = "sessions.spawn"
	MethodSubagentsList  = "subagents.list"
	MethodHealth         = "health"
)

// Event names pushed to connected clients.
const (
	EventAgent = "agent"
	EventTick  = "tick"
)

// Run statuses reported by agent and agent.wait.
const (
	StatusAccepted = "accepted"
	StatusOK       = "ok"
	StatusError    = "error"
	StatusTimeout  = "timeout"
)

// Envelope is used to peek at the frame type before decoding the full frame.
type Envelope struct {
	Type string `json:"type"`
}

// RequestFrame is a client to server call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID. A request may receive
// more than one response: "agent" sends an accepted ack followed by the final
// result.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Cached  bool            `json:"cached,omitempty"`
}

// EventFrame is a server push.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	frame := &RequestFrame{Type: FrameRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload any) (*ResponseFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling response payload: %w", err)
	}
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id string, shape *ErrorShape) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: shape}
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform,omitempty"`
	Mode       string `json:"mode,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// AuthParams carries the shared secret presented during connect.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectParams is the payload of the connect handshake request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role,omitempty"`
	Auth        *AuthParams `json:"auth,omitempty"`
}

// ServerInfo describes the gateway in hello-ok.
type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
}

// Features advertises the methods and events the server supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy carries connection limits.
type Policy struct {
	MaxPayload     int64 `json:"maxPayload"`
	TickIntervalMs int64 `json:"tickIntervalMs"`
}

// HelloOK is the successful connect response payload.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Policy   Policy     `json:"policy"`
}

// AgentParams is the payload of the agent method.
type AgentParams struct {
	Message           string `json:"message"`
	AgentID           string `json:"agentId,omitempty"`
	To                string `json:"to,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	SessionKey        string `json:"sessionKey,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	AccountID         string `json:"accountId,omitempty"`
	ThreadID          string `json:"threadId,omitempty"`
	Lane              string `json:"lane,omitempty"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
	Timeout           int    `json:"timeout,omitempty"`
	Label             string `json:"label,omitempty"`
	SpawnedBy         string `json:"spawnedBy,omitempty"`
	IdempotencyKey    string `json:"idempotencyKey"`
}

// AgentAccepted is the synchronous ack for the agent method.
type AgentAccepted struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	AcceptedAt int64  `json:"acceptedAt"`
}

// AgentFinal is the terminal payload for the agent method.
type AgentFinal struct {
	RunID   string          `json:"runId"`
	Status  string          `json:"status"`
	Summary string          `json:"summary"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// AgentWaitParams is the payload of agent.wait.
type AgentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
}

// AgentWaitResult is the response of agent.wait.
type AgentWaitResult struct {
	RunID     string `json:"runId"`
	Status    string `json:"status"`
	StartedAt int64  `json:"startedAt,omitempty"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IdentityParams is the payload of agent.identity.get.
type IdentityParams struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// IdentityResult is the display identity of an agent.
type IdentityResult struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
}

// SessionsDeleteParams is the payload of sessions.delete.
type SessionsDeleteParams struct {
	Key              string `json:"key"`
	DeleteTranscript *bool  `json:"deleteTranscript,omitempty"`
}

// SessionsDeleteResult is the response of sessions.delete.
type SessionsDeleteResult struct {
	OK      bool   `json:"ok"`
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// DeliveryContext says where an announcement should be delivered.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// IsZero reports whether no delivery field is set.
func (d *DeliveryContext) IsZero() bool {
	return d == nil || (d.Channel == "" && d.To == "" && d.AccountID == "" && d.ThreadID == "")
}

// SpawnParams is the payload of sessions.spawn.
type SpawnParams struct {
	Task                string           `json:"task"`
	Label               string           `json:"label,omitempty"`
	AgentID             string           `json:"agentId,omitempty"`
	RequesterSessionKey string           `json:"requesterSessionKey"`
	RequesterOrigin     *DeliveryContext `json:"requesterOrigin,omitempty"`
	Cleanup             string           `json:"cleanup,omitempty"`
	RunTimeoutSeconds   int              `json:"runTimeoutSeconds,omitempty"`
}

// SpawnResult is the response of sessions.spawn.
type SpawnResult struct {
	Status          string `json:"status"`
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
}

// SubagentsListParams is the payload of subagents.list.
type SubagentsListParams struct {
	RequesterSessionKey string `json:"requesterSessionKey,omitempty"`
}

// Lifecycle phases carried on the agent event stream.
const (
	StreamLifecycle = "lifecycle"
	PhaseStart      = "start"
	PhaseEnd        = "end"
	PhaseError      = "error"
)

// AgentEvent is the payload of the agent event frame.
type AgentEvent struct {
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"`
	Ts         int64          `json:"ts"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Data       LifecycleEvent `json:"data"`
}

// LifecycleEvent is the data of a lifecycle stream event.
type LifecycleEvent struct {
	Phase     string `json:"phase"`
	StartedAt int64  `json:"startedAt,omitempty"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}
