package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. The bridge never answers requests
// on the backend's behalf, so it only needs the codes for failures it detects
// itself at the HTTP edge.
type ErrorCode int

const (
	ErrorCodeParseError    ErrorCode = -32700
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeUnauthorized is an implementation-defined server error.
	ErrorCodeUnauthorized ErrorCode = -32001
)
