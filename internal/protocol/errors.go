package protocol

import (
	"encoding/json"
	"fmt"
)

// Standard error codes understood by the harness.
const (
	CodeTimeout                = 0
	CodeNodeNotFound           = 1
	CodeNotSupported           = 10
	CodeTemporarilyUnavailable = 11
	CodeMalformedRequest       = 12
	CodeCrash                  = 13
	CodeAbort                  = 14
	CodeKeyDoesNotExist        = 20
	CodeKeyAlreadyExists       = 21
	CodePreconditionFailed     = 22
	CodeTxnConflict            = 30
)

// RPCError is a protocol-level failure that is reported back to the sender
// of the offending request as an error body.
type RPCError struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Text)
}

func NotSupported(text string) *RPCError {
	return &RPCError{Code: CodeNotSupported, Text: text}
}

func MalformedRequest(text string) *RPCError {
	return &RPCError{Code: CodeMalformedRequest, Text: text}
}

func PreconditionFailed(text string) *RPCError {
	return &RPCError{Code: CodePreconditionFailed, Text: text}
}

func Crash(text string) *RPCError {
	return &RPCError{Code: CodeCrash, Text: text}
}

// ErrorBody is the wire shape of an error reply.
type ErrorBody struct {
	Body
	Code int    `json:"code"`
	Text string `json:"text"`
}

// NewErrorBody builds the reply body for an RPCError.
func NewErrorBody(err *RPCError) ErrorBody {
	return ErrorBody{Body: Body{Type: "error"}, Code: err.Code, Text: err.Text}
}

// AsRPCError inspects a decoded message and, if its body is an error reply,
// returns the corresponding RPCError.
func AsRPCError(msg Message) (*RPCError, bool) {
	var body ErrorBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, false
	}
	if body.Type != "error" {
		return nil, false
	}
	return &RPCError{Code: body.Code, Text: body.Text}, true
}
