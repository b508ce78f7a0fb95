// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// MCP methods whose routing key is derived from params rather than the
// method name itself.
const (
	MethodToolsCall     = "tools/call"
	MethodResourcesRead = "resources/read"
	MethodPromptsGet    = "prompts/get"
)

// CallTarget is the routing target of a decoded request. The decoder
// constructs exactly one variant per request; the capability router matches
// on the variant instead of re-reading raw params.
type CallTarget interface {
	// Key returns the capability key the router resolves.
	Key() string
}

// ToolsCall addresses a named tool via tools/call.
type ToolsCall struct {
	Name string
}

// Key returns the tool name.
func (t ToolsCall) Key() string { return t.Name }

// ResourcesRead addresses a resource by URI via resources/read.
type ResourcesRead struct {
	URI string
}

// Key returns the resource URI.
func (t ResourcesRead) Key() string { return t.URI }

// PromptsGet addresses a named prompt via prompts/get.
type PromptsGet struct {
	Name string
}

// Key returns the prompt name.
func (t PromptsGet) Key() string { return t.Name }

// Generic addresses the method itself, e.g. tools/list or initialize.
type Generic struct {
	Method string
}

// Key returns the method verbatim.
func (t Generic) Key() string { return t.Method }

// Request is a decoded JSON-RPC request together with the verbatim body it
// was decoded from. The body is what gets forwarded to the backend;
// the gateway never re-encodes client payloads.
type Request struct {
	// Envelope is the parsed JSON-RPC message.
	Envelope *Message

	// Target is the routing target. It is nil only when DecodeRequest also
	// returned an error response.
	Target CallTarget

	// Body is the exact request bytes as received.
	Body []byte
}

// ID returns the raw request id. Nil for notifications without an id.
func (r *Request) ID() json.RawMessage { return r.Envelope.ID }

// Method returns the request method.
func (r *Request) Method() string { return r.Envelope.Method }

// IsNotification reports whether the request carries no usable id and must
// not receive a response.
func (r *Request) IsNotification() bool { return r.Envelope.IsNotification() }

// targetBuilders maps param-addressed methods to their selector extraction.
// Every other method routes by its name.
var targetBuilders = map[string]func(params json.RawMessage) (CallTarget, string){
	MethodToolsCall: func(params json.RawMessage) (CallTarget, string) {
		if name := gjson.GetBytes(params, "name"); name.Type == gjson.String && name.Str != "" {
			return ToolsCall{Name: name.Str}, ""
		}
		return nil, "tools/call requires params.name"
	},
	MethodResourcesRead: func(params json.RawMessage) (CallTarget, string) {
		if uri := gjson.GetBytes(params, "uri"); uri.Type == gjson.String && uri.Str != "" {
			return ResourcesRead{URI: uri.Str}, ""
		}
		return nil, "resources/read requires params.uri"
	},
	MethodPromptsGet: func(params json.RawMessage) (CallTarget, string) {
		if name := gjson.GetBytes(params, "name"); name.Type == gjson.String && name.Str != "" {
			return PromptsGet{Name: name.Str}, ""
		}
		return nil, "prompts/get requires params.name"
	},
}

// DecodeRequest parses and validates a single JSON-RPC request. It returns
// the decoded request, or the error response that should be sent instead.
//
// The two return values combine as follows:
//   - errResp == nil: the request is fully usable and Target is non-nil.
//   - errResp != nil, req == nil: the body never decoded to a usable
//     envelope (parse error or invalid request); emit errResp as-is.
//   - errResp != nil, req != nil: the envelope is valid but the
//     param-derived target is missing (invalid params). Emit errResp unless
//     the request is a notification, which never receives a response.
func DecodeRequest(data []byte) (*Request, *Message) {
	if isBatch(data) {
		return nil, InvalidRequest(NullID, "batch requests are not supported")
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Well-formed JSON of the wrong shape, e.g. a non-string method.
			return nil, InvalidRequest(NullID, err.Error())
		}
		return nil, ParseError(err.Error())
	}

	if m.JSONRPC != "2.0" {
		return nil, InvalidRequest(m.ID, `jsonrpc must be "2.0"`)
	}
	if m.Method == "" {
		return nil, InvalidRequest(m.ID, "method is required and must be a string")
	}
	if !validID(m.ID) {
		return nil, InvalidRequest(NullID, "id must be a string, number or null")
	}

	req := &Request{
		Envelope: &m,
		Body:     data,
	}

	build, ok := targetBuilders[m.Method]
	if !ok {
		req.Target = Generic{Method: m.Method}
		return req, nil
	}
	target, cause := build(m.Params)
	if target == nil {
		return req, InvalidParams(m.ID, cause)
	}
	req.Target = target
	return req, nil
}

// isBatch reports whether the body is a JSON array, which JSON-RPC calls a
// batch. MCP traffic is single requests only.
func isBatch(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// validID accepts absent ids and the JSON types string, number and null.
func validID(id json.RawMessage) bool {
	if len(id) == 0 || bytes.Equal(id, NullID) {
		return true
	}
	switch id[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

// IdempotentMethod reports whether a method may be retried on transient
// forward failures. Only list, get and read style methods qualify.
func IdempotentMethod(method string) bool {
	switch {
	case hasSuffixSegment(method, "list"),
		hasSuffixSegment(method, "get"),
		hasSuffixSegment(method, "read"):
		return true
	default:
		return false
	}
}

// hasSuffixSegment matches the final slash-separated segment of a method.
func hasSuffixSegment(method, segment string) bool {
	return len(method) > len(segment)+1 &&
		method[len(method)-len(segment)-1] == '/' &&
		method[len(method)-len(segment):] == segment
}

// String renders targets for logs.
func (t ToolsCall) String() string     { return fmt.Sprintf("tool %q", t.Name) }
func (t ResourcesRead) String() string { return fmt.Sprintf("resource %q", t.URI) }
func (t PromptsGet) String() string    { return fmt.Sprintf("prompt %q", t.Name) }
func (t Generic) String() string       { return fmt.Sprintf("method %q", t.Method) }
