package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the line-framed envelope exchanged with the harness and peers.
// The body is kept raw so the envelope codec stays workload-agnostic.
type Message struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// Body holds the fields common to every message body. Workload body structs
// embed it (requests) or set Type directly (replies); the runtime fills in
// msg_id and in_reply_to when transmitting.
type Body struct {
	Type      string `json:"type"`
	MsgID     uint64 `json:"msg_id,omitempty"`
	InReplyTo uint64 `json:"in_reply_to,omitempty"`
}

// DecodeError reports a line that could not be parsed into a well-formed
// Message. The receive loop logs it and skips the line.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Line, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one line into a Message and validates the fields every
// message must carry: src, dest, and a body with a type tag.
func Decode(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, &DecodeError{Line: string(line), Reason: "invalid json", Err: err}
	}
	if msg.Src == "" {
		return Message{}, &DecodeError{Line: string(line), Reason: "missing src"}
	}
	if msg.Dest == "" {
		return Message{}, &DecodeError{Line: string(line), Reason: "missing dest"}
	}
	var body Body
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return Message{}, &DecodeError{Line: string(line), Reason: "invalid body", Err: err}
	}
	if body.Type == "" {
		return Message{}, &DecodeError{Line: string(line), Reason: "missing body type"}
	}
	return msg, nil
}

// Encode serializes a Message to a single line, without the trailing
// newline. Marshaling a well-formed Message cannot fail; the error return
// exists for the degenerate case of a body that is not valid JSON.
func Encode(msg Message) ([]byte, error) {
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message to %s: %w", msg.Dest, err)
	}
	return line, nil
}

// Meta extracts the common body fields from a decoded message.
func Meta(msg Message) (Body, error) {
	var body Body
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return Body{}, fmt.Errorf("read body metadata: %w", err)
	}
	return body, nil
}
