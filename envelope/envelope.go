// Package envelope defines the wire types exchanged over the message bus:
// request envelopes carrying an HTTP-shaped call to a backend service,
// reply envelopes carrying the service's answer, and broadcast events
// routed to live connections by sender or recipient identity.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/DuyTran1503/websocketio/errors"
)

// Request is the envelope a bridge publishes on a service's request subject.
// Path is already stripped of the gateway's mount prefix when the envelope
// is built; endpoints dispatch on the exact (Method, Path) pair.
type Request struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Body   json.RawMessage   `json:"body,omitempty"`
	Query  map[string]string `json:"query,omitempty"`
	// Params carries resolved route parameters for publishers that pattern
	// match paths. The bridge forwards prefix-stripped literal paths and
	// leaves it empty; endpoints dispatch on exact paths.
	Params map[string]string `json:"params,omitempty"`
	UserID string            `json:"userId,omitempty"`
}

// Reply is the envelope a service endpoint sends back on the reply inbox.
// Status follows HTTP status semantics even though no HTTP transport is
// involved at this layer. Payload is kept opaque so the bridge reproduces
// it byte-for-byte on the outbound response.
type Reply struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload shape of error replies built by this layer.
// The description is always safe to show the caller.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Event is a broadcast event published on the bus for delivery to live
// connections. A connection receives the event iff its identity equals
// SenderID or RecipientID.
type Event struct {
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// EncodeRequest serializes a request envelope for the bus.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "EncodeRequest", "marshal request")
	}
	return data, nil
}

// DecodeRequest parses a request envelope off the bus. A missing method or
// path means the sender is not speaking our protocol, so it is rejected
// with the same classification as malformed JSON.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "envelope", "DecodeRequest",
			fmt.Sprintf("malformed request envelope: %v", err))
	}
	if req.Method == "" || req.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "envelope", "DecodeRequest",
			"request envelope missing method or path")
	}
	return &req, nil
}

// EncodeReply serializes a reply envelope.
func EncodeReply(reply *Reply) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "EncodeReply", "marshal reply")
	}
	return data, nil
}

// DecodeReply parses a reply envelope. A zero status code is treated as
// malformed: every well-formed reply carries an HTTP-style status.
func DecodeReply(data []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "envelope", "DecodeReply",
			fmt.Sprintf("malformed reply envelope: %v", err))
	}
	if reply.Status == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "envelope", "DecodeReply",
			"reply envelope missing status")
	}
	return &reply, nil
}

// EncodeEvent serializes a broadcast event.
func EncodeEvent(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "EncodeEvent", "marshal event")
	}
	return data, nil
}

// DecodeEvent parses a broadcast event. Events with neither sender nor
// recipient are undeliverable and rejected here rather than silently
// dropped downstream.
func DecodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "envelope", "DecodeEvent",
			fmt.Sprintf("malformed broadcast event: %v", err))
	}
	if event.SenderID == "" && event.RecipientID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "envelope", "DecodeEvent",
			"broadcast event missing sender and recipient")
	}
	return &event, nil
}

// OK builds a success reply, marshaling payload into the envelope. A nil
// payload produces an empty body.
func OK(status int, payload any) (*Reply, error) {
	reply := &Reply{Status: status}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "envelope", "OK", "marshal payload")
		}
		reply.Payload = data
	}
	return reply, nil
}

// ClientError builds a reply for a caller mistake with the given status
// and a description safe to return.
func ClientError(status int, description string) *Reply {
	data, _ := json.Marshal(ErrorPayload{Error: description})
	return &Reply{Status: status, Payload: data}
}

// NotFound builds the reply sent when no handler matches a request's
// (method, path) pair.
func NotFound() *Reply {
	return ClientError(404, "not found")
}

// InternalError builds the generic 500 reply. The true cause is logged by
// the component that detected it and never crosses the bus.
func InternalError() *Reply {
	return ClientError(500, "internal server error")
}
