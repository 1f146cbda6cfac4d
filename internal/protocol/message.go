package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned when a frame payload is not a valid message.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one decoded wire message. The concrete type is one of
// *Register, *Request, *Response or *Unknown.
type Message interface {
	// Type returns the wire type tag.
	Type() string

	isMessage()
}

// Register is sent by an agent to authenticate and declare its commands.
type Register struct {
	ServerName string              `json:"serverName"`
	PluginName string              `json:"pluginName"`
	Commands   []CommandDefinition `json:"commands"`

	// Secret is nil when the field was absent from the payload.
	Secret *string `json:"secret"`
}

// Request is sent by the hub to the agent selected to run a command.
type Request struct {
	Command   string            `json:"command"`
	Options   map[string]string `json:"options"`
	RequestID string            `json:"requestId"`
}

// Response is sent by an agent with the textual result of a request.
type Response struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

// Unknown is any message whose type tag is not recognized.
type Unknown struct {
	Tag string
	Raw string
}

func (*Register) Type() string { return TypeRegister }
func (*Request) Type() string  { return TypeRequest }
func (*Response) Type() string { return TypeResponse }
func (u *Unknown) Type() string { return u.Tag }

func (*Register) isMessage() {}
func (*Request) isMessage()  {}
func (*Response) isMessage() {}
func (*Unknown) isMessage()  {}

// envelope is used to peek at the type tag before decoding the body.
type envelope struct {
	Type *string `json:"type"`
}

// DecodeMessage decodes a frame payload into its message variant.
func DecodeMessage(text string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var msg Message
	switch *env.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	default:
		return &Unknown{Tag: *env.Type, Raw: text}, nil
	}

	if err := json.Unmarshal([]byte(text), msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, *env.Type, err)
	}

	if resp, ok := msg.(*Response); ok && resp.RequestID == "" {
		return nil, fmt.Errorf("%w: response without requestId", ErrMalformedMessage)
	}

	return msg, nil
}

// EncodeMessage serializes a message with its type tag.
func EncodeMessage(msg Message) (string, error) {
	var v any
	switch m := msg.(type) {
	case *Register:
		v = struct {
			Type string `json:"type"`
			*Register
		}{TypeRegister, m}
	case *Request:
		v = struct {
			Type string `json:"type"`
			*Request
		}{TypeRequest, m}
	case *Response:
		v = struct {
			Type string `json:"type"`
			*Response
		}{TypeResponse, m}
	case *Unknown:
		return m.Raw, nil
	default:
		return "", fmt.Errorf("unsupported message %T", msg)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
