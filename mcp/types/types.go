package types

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

const JSONRPCVersion = "2.0"

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol methods handled by the server
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// DefaultProtocolVersion is answered when the client asks for a version we do not know
const DefaultProtocolVersion = "2024-11-05"

// SupportedProtocolVersions lists the versions echoed back during initialize
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsNotification returns true for messages that carry a method but no id
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsRequest returns true for messages that carry a method and an id
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// NewResult builds a response to the request identified by id
func NewResult(id json.RawMessage, result interface{}) (*JSONRPCMessage, error) {
	buf, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: buf}, nil
}

// NewError builds an error response to the request identified by id
func NewError(id json.RawMessage, code int, message string) *JSONRPCMessage {
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: &JSONRPCError{Code: code, Message: message}}
}

// ErrorEnvelope is the body written by the HTTP surface when a request fails before
// it reaches a session. The id is always null.
type ErrorEnvelope struct {
	JSONRPC string       `json:"jsonrpc"`
	Error   JSONRPCError `json:"error"`
	ID      *string      `json:"id"`
}

func NewErrorEnvelope(code int, message string) ErrorEnvelope {
	return ErrorEnvelope{JSONRPC: JSONRPCVersion, Error: JSONRPCError{Code: code, Message: message}}
}

// Content is a single block of a tool result
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

func ImageContent(data string, mimeType string) Content {
	return Content{Type: ContentTypeImage, Data: data, MimeType: mimeType}
}

type ToolAnnotation struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// Tool describes a callable tool for discovery
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
	Annotations *ToolAnnotation    `json:"annotations,omitempty"`
}

type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ErrorResult is a success-shaped tool result describing a failure
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{TextContent(text)}, IsError: true}
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

type ServerCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}
