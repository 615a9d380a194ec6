package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrNotObject is returned when a record is valid JSON but not a JSON object.
var ErrNotObject = errors.New("JSON-RPC message must be a JSON object")

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewNotification builds a notification (a request without an ID).
func NewNotification(method string, params any) (*Request, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         method,
		Params:         paramsBytes,
	}, nil
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Envelope is the routing view of a record received from a peer. Only the
// fields needed to classify and correlate the record are decoded; Raw holds
// the record exactly as received so it can be forwarded unmodified.
type Envelope struct {
	ID     *RequestID
	Method string
	Raw    Message
}

// ParseEnvelope decodes the routing fields of a single record. The record must
// be a JSON object. A missing or null "id" yields a nil ID.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if !isObject(data) {
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return nil, ErrNotObject
	}

	var fields struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	env := &Envelope{Method: fields.Method, Raw: Message(data)}
	if len(fields.ID) > 0 && !bytes.Equal(fields.ID, []byte("null")) {
		var id RequestID
		if err := id.UnmarshalJSON(fields.ID); err != nil {
			return nil, err
		}
		env.ID = &id
	}

	return env, nil
}

// Type returns "request", "notification" or "response" following the same
// classification rules used for fully decoded messages.
func (e *Envelope) Type() string {
	if e.Method != "" {
		if e.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// Object is a JSON-RPC message decoded only to its top-level members. It lets
// callers inspect and assign the "id" member while leaving every other member
// byte-for-byte intact.
type Object map[string]json.RawMessage

// ParseObject decodes data as a JSON object.
func ParseObject(data []byte) (Object, error) {
	if !isObject(data) {
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return nil, ErrNotObject
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return obj, nil
}

// ID returns the message ID, or nil when the member is absent, null, an empty
// string, or not a string or number.
func (o Object) ID() *RequestID {
	raw, ok := o["id"]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var id RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return nil
	}
	if s, ok := id.Value().(string); ok && s == "" {
		return nil
	}
	return &id
}

// SetID assigns the "id" member.
func (o Object) SetID(id *RequestID) error {
	b, err := id.MarshalJSON()
	if err != nil {
		return err
	}
	o["id"] = b
	return nil
}

// Marshal encodes the object back to compact JSON.
func (o Object) Marshal() (Message, error) {
	b, err := json.Marshal(map[string]json.RawMessage(o))
	if err != nil {
		return nil, err
	}
	return Message(b), nil
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
