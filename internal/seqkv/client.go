// Package seqkv provides a client for the harness's sequentially consistent
// key-value service, which is addressed like any other node ("seq-kv") over
// the same message channel.
package seqkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/murmur/internal/protocol"
)

const serviceName = "seq-kv"

// requester is the slice of the node runtime the client needs.
type requester interface {
	Request(ctx context.Context, dest string, body any) (protocol.Message, error)
}

// Client issues read/write/cas operations against seq-kv. Every call rides
// the runtime's retrying request primitive, so transient loss is already
// handled below this layer.
type Client struct {
	r requester
}

func NewClient(r requester) *Client {
	return &Client{r: r}
}

type readRequest struct {
	protocol.Body
	Key string `json:"key"`
}

type readOKBody struct {
	protocol.Body
	Value string `json:"value"`
}

type writeRequest struct {
	protocol.Body
	Key   string `json:"key"`
	Value string `json:"value"`
}

type casRequest struct {
	protocol.Body
	Key               string `json:"key"`
	From              string `json:"from"`
	To                string `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists"`
}

// Read returns the value stored under key. A missing key surfaces as an
// *protocol.RPCError with CodeKeyDoesNotExist; see IsKeyDoesNotExist.
func (c *Client) Read(ctx context.Context, key string) (string, error) {
	reply, err := c.r.Request(ctx, serviceName, readRequest{
		Body: protocol.Body{Type: "read"}, Key: key,
	})
	if err != nil {
		return "", err
	}
	var body readOKBody
	if err := json.Unmarshal(reply.Body, &body); err != nil || body.Type != "read_ok" {
		return "", fmt.Errorf("unexpected reply to seq-kv read: %s", reply.Body)
	}
	return body.Value, nil
}

// ReadInt reads key and parses it as a base-10 integer. A parse failure
// means the value was not written by us and is reported, not coerced.
func (c *Client) ReadInt(ctx context.Context, key string) (int64, error) {
	raw, err := c.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("seq-kv value %q is not an integer: %w", raw, err)
	}
	return v, nil
}

// Write stores value under key unconditionally.
func (c *Client) Write(ctx context.Context, key, value string) error {
	reply, err := c.r.Request(ctx, serviceName, writeRequest{
		Body: protocol.Body{Type: "write"}, Key: key, Value: value,
	})
	if err != nil {
		return err
	}
	var body protocol.Body
	if err := json.Unmarshal(reply.Body, &body); err != nil || body.Type != "write_ok" {
		return fmt.Errorf("unexpected reply to seq-kv write: %s", reply.Body)
	}
	return nil
}

// CompareAndSwap atomically replaces from with to under key. A lost race
// surfaces as CodePreconditionFailed; see IsPreconditionFailed.
func (c *Client) CompareAndSwap(ctx context.Context, key, from, to string, createIfNotExists bool) error {
	reply, err := c.r.Request(ctx, serviceName, casRequest{
		Body: protocol.Body{Type: "cas"},
		Key:  key, From: from, To: to,
		CreateIfNotExists: createIfNotExists,
	})
	if err != nil {
		return err
	}
	var body protocol.Body
	if err := json.Unmarshal(reply.Body, &body); err != nil || body.Type != "cas_ok" {
		return fmt.Errorf("unexpected reply to seq-kv cas: %s", reply.Body)
	}
	return nil
}

// IsKeyDoesNotExist reports whether err is the service's missing-key error.
func IsKeyDoesNotExist(err error) bool {
	var rpcErr *protocol.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeKeyDoesNotExist
}

// IsPreconditionFailed reports whether err is a failed compare-and-swap.
func IsPreconditionFailed(err error) bool {
	var rpcErr *protocol.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodePreconditionFailed
}
