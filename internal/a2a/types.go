// Package a2a implements the A2A gateway (spec.md §4.7): a read/write
// JSON-RPC 2.0 projection of the KTP task engine onto an externally
// specified task schema, plus a well-known agent-card document. Types
// here are written fresh in the shape the teacher's own A2A server
// (runtime/a2a, server/a2a) uses at its call sites — its defining
// types.go was not present in the retrieval pack — rather than ported
// from another language's wire format.
package a2a

import "encoding/json"

// JSON-RPC method names this gateway understands (spec.md §4.7).
const (
	MethodMessageSend = "message/send"
	MethodTasksGet    = "tasks/get"
	MethodTasksList   = "tasks/list"
)

// SupportedMethods is reported as error data on a -32601 response.
var SupportedMethods = []string{MethodMessageSend, MethodTasksGet, MethodTasksList}

// JSON-RPC error codes (spec.md §4.7).
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeTaskNotFound         = -32001
	CodeTaskNotCancelable    = -32002
	CodeUnsupportedOperation = -32003
)

// JSONRPCRequest is one JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSONRPCResponse is one JSON-RPC 2.0 response envelope. Result and
// Error are mutually exclusive, matching the protocol.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TaskState is the A2A-projected task lifecycle state (spec.md §4.7).
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateRejected  TaskState = "rejected"
)

// Part is one content part of an A2A message.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Message is an A2A message: a role and an ordered list of parts.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"contextId,omitempty"`
}

// Artifact is a named bundle of output parts attached to a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Parts      []Part `json:"parts"`
}

// TaskStatus is a task's current projected state.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp string    `json:"timestamp,omitempty"`
	Message   *Message  `json:"message,omitempty"`
}

// Task is the externally specified, projected task object returned by
// tasks/get, tasks/list, and message/send (spec.md §4.7).
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageSendParams is the params object for message/send. Target,
// when present, routes the resulting KTP task to that peer (short id
// or agent name) instead of broadcasting (spec.md §4.7).
type MessageSendParams struct {
	Message Message `json:"message"`
	Target  string  `json:"target,omitempty"`
}

// TasksGetParams is the params object for tasks/get.
type TasksGetParams struct {
	ID string `json:"id"`
}

// TasksListParams is the params object for tasks/list.
type TasksListParams struct {
	State     TaskState `json:"state,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
}

// AgentCapabilities declares which optional A2A features this profile
// supports; both are always false here (spec.md §4.7).
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// AgentSkill is one capability advertised in the agent card, projected
// from a manifest skill string (spec.md §4.7).
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// BearerSecurityScheme describes the optional API-key auth requirement.
type BearerSecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme"`
}

// KizunaExtension carries bridge-specific identity fields the generic
// A2A schema has no room for (spec.md §4.7).
type KizunaExtension struct {
	ShortID  string `json:"shortId"`
	Role     string `json:"role"`
	Protocol string `json:"protocol"`
}

// AgentCard is the well-known discovery document (spec.md §4.7).
type AgentCard struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	URL             string                `json:"url"`
	Capabilities    AgentCapabilities     `json:"capabilities"`
	Skills          []AgentSkill          `json:"skills"`
	SecuritySchemes map[string]any        `json:"securitySchemes,omitempty"`
	Security        []map[string][]string `json:"security,omitempty"`
	Extensions      KizunaExtension       `json:"kizunaExtension"`
}
