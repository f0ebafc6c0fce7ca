// Package protocol implements the wire format spoken between a node, its
// peers, and the test harness: one JSON message per line of standard input
// and output.
//
// # Envelope
//
// Every message is a three-field envelope:
//
//	{"src": "n1", "dest": "c2", "body": {...}}
//
// The body always carries a "type" tag. Messages that expect a reply carry a
// "msg_id" that is unique and monotonically increasing for the sending
// process; replies carry "in_reply_to" naming the msg_id they answer. All
// other body fields are workload-specific, so the codec keeps the body as
// raw JSON and lets each handler unmarshal the fields it knows about.
//
// # Error replies
//
// Failures that can be attributed to a request are answered with an error
// body carrying a machine-readable code from the standard table (see the
// Code* constants) and human-readable text. RPCError is both the in-process
// error value and the wire representation of such a reply.
//
// # Failure policy
//
// Decode never panics: a malformed line produces a *DecodeError that the
// caller logs and skips. Encode is total for any well-formed Message.
package protocol
