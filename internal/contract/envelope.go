// Package contract defines the HTTP response envelope and per-endpoint
// request/response shapes named in SPEC_FULL.md §6.1. Transport itself
// (the router, middleware, handler functions) is out of scope for this
// service; this package is the unambiguous target those would bind to —
// every field here is part of the bit-compatible contract the frontend
// is versioned against.
package contract

// Envelope is the shape every response on this API takes.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK wraps a successful payload.
func OK(data interface{}) Envelope {
	return Envelope{Success: true, Data: data}
}

// OKWithMessage wraps a successful payload plus a human-readable note.
func OKWithMessage(data interface{}, message string) Envelope {
	return Envelope{Success: true, Data: data, Message: message}
}

// Fail wraps an apperr.Kind-derived error code and message.
func Fail(code, message string) Envelope {
	return Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}}
}
