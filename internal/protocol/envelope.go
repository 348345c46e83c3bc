// Package protocol defines the wire messages exchanged with the scanning
// backend and the codec that turns them into frames and back.
//
// Four message kinds share a connection: requests sent by the client,
// responses and errors answering them (correlated by id), and events pushed
// by the server without any id.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/anstrom/scanlink/internal/errors"
)

// MessageType is the discriminator carried in every frame's "type" field.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
	TypeEvent    MessageType = "event"
)

// Message is implemented by the four wire message kinds.
type Message interface {
	Kind() MessageType
}

// Request asks the backend to perform an action.
type Request struct {
	Type   MessageType     `json:"type"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	Type    MessageType     `json:"type"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success bool            `json:"success"`
	ID      string          `json:"id,omitempty"`
}

// ErrorMessage reports a failure, usually for the Request with the same ID.
type ErrorMessage struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action,omitempty"`
	Error  string      `json:"error"`
	Detail string      `json:"detail,omitempty"`
	ID     string      `json:"id,omitempty"`
}

// Event is a server initiated push. Events are never correlated.
type Event struct {
	Type  MessageType     `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Kind implements Message.
func (*Request) Kind() MessageType { return TypeRequest }

// Kind implements Message.
func (*Response) Kind() MessageType { return TypeResponse }

// Kind implements Message.
func (*ErrorMessage) Kind() MessageType { return TypeError }

// Kind implements Message.
func (*Event) Kind() MessageType { return TypeEvent }

// NewRequest builds a request frame, marshaling params when present.
func NewRequest(action string, params any, id string) (*Request, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", action, err)
	}
	return &Request{Type: TypeRequest, Action: action, Params: raw, ID: id}, nil
}

// NewEvent builds an event frame, marshaling data when present.
func NewEvent(name string, data any) (*Event, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data for %s: %w", name, err)
	}
	return &Event{Type: TypeEvent, Event: name, Data: raw}, nil
}

// NewResponse builds a successful response frame for the request.
func NewResponse(req *Request, data any) (*Response, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data for %s: %w", req.Action, err)
	}
	return &Response{Type: TypeResponse, Action: req.Action, Data: raw, Success: true, ID: req.ID}, nil
}

// NewErrorMessage builds an error frame for the request.
func NewErrorMessage(req *Request, msg, detail string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Action: req.Action, Error: msg, Detail: detail, ID: req.ID}
}

// Decode parses the data carried by the response into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || bytes.Equal(r.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", r.Action, err)
	}
	return nil
}

// Encode serializes a message, stamping the type discriminator.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		m.Type = TypeRequest
	case *Response:
		m.Type = TypeResponse
	case *ErrorMessage:
		m.Type = TypeError
	case *Event:
		m.Type = TypeEvent
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	return json.Marshal(msg)
}

// Decode parses a frame into one of the four message kinds. Any failure is
// returned as a *errors.ProtocolError.
func Decode(frame []byte) (Message, error) {
	var header struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, errors.NewProtocolError("invalid frame", frame, err)
	}

	var msg Message
	switch header.Type {
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeEvent:
		msg = &Event{}
	case "":
		return nil, errors.NewProtocolError("frame has no type", frame, nil)
	default:
		return nil, errors.NewProtocolError(fmt.Sprintf("unknown frame type %q", header.Type), frame, nil)
	}

	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid %s frame", header.Type), frame, err)
	}

	switch m := msg.(type) {
	case *Request:
		if m.Action == "" {
			return nil, errors.NewProtocolError("request frame has no action", frame, nil)
		}
	case *Event:
		if m.Event == "" {
			return nil, errors.NewProtocolError("event frame has no name", frame, nil)
		}
	}
	return msg, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
