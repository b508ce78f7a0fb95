// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the JSON-RPC 2.0 framing carried by the MCP
// gateway: envelope encoding and decoding, the MCP error codes, and the
// typed call targets the capability router matches on.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used by the gateway.
const (
	// CodeParseError signals malformed JSON.
	CodeParseError = -32700
	// CodeInvalidRequest signals a structurally invalid envelope.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound signals that no backend serves the capability.
	CodeMethodNotFound = -32601
	// CodeInvalidParams signals params lacking the addressed target.
	CodeInvalidParams = -32602
	// CodeInternalError signals capacity, forwarding and timeout failures.
	CodeInternalError = -32603
)

// Canonical error messages, fixed by the protocol; the variable cause goes
// into the error's data field.
const (
	msgParseError     = "Parse error"
	msgInvalidRequest = "Invalid Request"
	msgMethodNotFound = "Method not found"
	msgInvalidParams  = "Invalid params"
	msgInternalError  = "Internal error"
)

// NullID is the literal null id used when the request id is unrecoverable,
// such as replies to unparseable bodies.
var NullID = json.RawMessage("null")

// Message represents a JSON-RPC 2.0 message in either direction. The id is
// kept as raw JSON so that string, integer, fractional and null ids echo
// back bit-exactly.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject represents a JSON-RPC error object.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResultResponse creates a success response echoing the given id. The
// result is relayed as raw JSON.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      echoID(id),
		Result:  result,
	}
}

// NewErrorResponse creates an error response echoing the given id. An empty
// data string omits the data field.
func NewErrorResponse(id json.RawMessage, code int, message, data string) *Message {
	e := &ErrorObject{
		Code:    code,
		Message: message,
	}
	if data != "" {
		// Marshalling a plain string cannot fail.
		e.Data, _ = json.Marshal(data)
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      echoID(id),
		Error:   e,
	}
}

// ParseError builds the −32700 response. The id is always null since the
// request could not be read.
func ParseError(data string) *Message {
	return NewErrorResponse(NullID, CodeParseError, msgParseError, data)
}

// InvalidRequest builds the −32600 response.
func InvalidRequest(id json.RawMessage, data string) *Message {
	return NewErrorResponse(id, CodeInvalidRequest, msgInvalidRequest, data)
}

// MethodNotFound builds the −32601 response used when no backend serves the
// requested capability.
func MethodNotFound(id json.RawMessage, data string) *Message {
	return NewErrorResponse(id, CodeMethodNotFound, msgMethodNotFound, data)
}

// InvalidParams builds the −32602 response used when a param-addressed
// method lacks its target selector.
func InvalidParams(id json.RawMessage, data string) *Message {
	return NewErrorResponse(id, CodeInvalidParams, msgInvalidParams, data)
}

// InternalError builds the −32603 response used for capacity, forwarding
// and timeout failures.
func InternalError(id json.RawMessage, data string) *Message {
	return NewErrorResponse(id, CodeInternalError, msgInternalError, data)
}

// echoID normalizes an absent id to an explicit null so that responses
// always carry the id field.
func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

// EncodeResponse serializes a response message.
func EncodeResponse(m *Message) ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return out, nil
}

// DecodeMessage parses a JSON-RPC message without request-specific
// validation. It is used for backend replies, which are relayed verbatim
// once they prove to be well-formed envelopes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// IsRequest returns true if the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !isNullish(m.ID)
}

// IsResponse returns true if the message is a response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a request without an id.
// A literal null id counts as absent; no response is emitted for it.
func (m *Message) IsNotification() bool {
	return m.Method != "" && isNullish(m.ID)
}

// isNullish reports whether a raw id is absent or the JSON literal null.
func isNullish(id json.RawMessage) bool {
	return len(id) == 0 || bytes.Equal(id, NullID)
}
