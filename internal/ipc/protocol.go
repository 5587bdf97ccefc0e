// Package ipc carries requests from the web server process to the daemon
// over a unix domain socket.
//
// Every message is one frame: a 4-byte big-endian payload length followed by
// that many bytes of JSON. A connection carries exactly one request frame
// and one response frame.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is sent with every request; the server rejects others.
const ProtocolVersion = 1

// MaxFrameSize bounds a single frame payload
const MaxFrameSize = 10 * 1024 * 1024

// Commands understood by the daemon
const (
	CommandSubmit  = "codereview.submit"
	CommandResults = "results.recent"
	CommandStats   = "results.stats"
	CommandPing    = "ping"
)

// Error codes
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeBackpressure     = "BACKPRESSURE"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// Request is the single frame a client sends per connection.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	ID              string          `json:"id,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response is the single frame the server answers with. Exactly one of
// Data and Error is meaningful, selected by Success.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail describes a failed request. It implements error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// NewRequest builds a request; params that are already raw JSON are
// forwarded untouched.
func NewRequest(command, id string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
		ID:              id,
	}
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		req.Params = p
	case []byte:
		req.Params = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// SuccessResponse wraps data as JSON. A nil data leaves Data empty.
func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

// ErrorResponse builds a failed response with one of the ErrCode values.
func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}

// WriteFrame writes a length-prefixed JSON frame
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame into v
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
