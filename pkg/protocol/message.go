// Package protocol defines the cross-frame message envelope exchanged between
// the shell and an embedded application, plus the protocol.json document an
// application serves to declare its voice commands and authentication needs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType names one cross-frame message.
type MessageType string

// Shell-originated messages.
const (
	MsgOSNavigate        MessageType = "os_navigate"
	MsgOSDOMAction       MessageType = "os_dom_action"
	MsgOSAIStyle         MessageType = "os_ai_style"
	MsgOSPing            MessageType = "os_ping"
	MsgOSCheckAuthStatus MessageType = "os_check_auth_status"
	MsgOSLocalCommand    MessageType = "os_local_command"
)

// Agent-originated messages.
const (
	MsgPageReady           MessageType = "page_ready"
	MsgAuthSuccess         MessageType = "auth_success"
	MsgCommandRegistered   MessageType = "command_registered"
	MsgCommandUnregistered MessageType = "command_unregistered"
	MsgAuthStatusResponse  MessageType = "auth_status_response"
	MsgOSPong              MessageType = "os_pong"
	MsgDOMResult           MessageType = "dom_result"
)

// Message is the wire envelope. RequestID correlates request/response pairs;
// responses without a matching pending request are ignored by the receiver.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with an encoded payload.
func NewMessage(typ MessageType, requestID string, payload any) (Message, error) {
	msg := Message{Type: typ, RequestID: requestID}
	if payload == nil {
		return msg, nil
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Encode serializes the envelope for the transport.
func (m Message) Encode() ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("protocol: message type is empty")
	}
	return codec.Marshal(m)
}

// DecodeMessage parses a wire frame into an envelope.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("protocol: frame missing type")
	}
	return m, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// NavigatePayload drives os_navigate.
type NavigatePayload struct {
	URL string `json:"url"`
}

// DOMActionPayload drives os_dom_action. Method is one of click, focus,
// set_value, get_text.
type DOMActionPayload struct {
	Selector string `json:"selector"`
	Method   string `json:"method"`
	Value    string `json:"value,omitempty"`
}

// DOM action methods understood by the embedded agent.
const (
	DOMClick    = "click"
	DOMFocus    = "focus"
	DOMSetValue = "set_value"
	DOMGetText  = "get_text"
)

// AIStylePayload drives os_ai_style. CSS is injected verbatim, unvalidated.
type AIStylePayload struct {
	Intent string `json:"intent,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Target string `json:"target,omitempty"`
	CSS    string `json:"css,omitempty"`
}

// LocalCommandPayload forwards a custom command into the embedded frame.
type LocalCommandPayload struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// PageReadyPayload announces the embedded document finished loading a page.
type PageReadyPayload struct {
	Page string `json:"page"`
	URL  string `json:"url,omitempty"`
}

// AuthSuccessPayload reports an in-frame login completion.
type AuthSuccessPayload struct {
	User       map[string]any `json:"user,omitempty"`
	RedirectTo string         `json:"redirect_to,omitempty"`
}

// CommandRegisteredPayload carries a dynamically registered command.
type CommandRegisteredPayload struct {
	Command CommandSpec `json:"command"`
	Page    string      `json:"page,omitempty"`
}

// CommandUnregisteredPayload removes a dynamically registered command.
type CommandUnregisteredPayload struct {
	CommandID string `json:"command_id"`
	Page      string `json:"page,omitempty"`
}

// AuthStatusPayload answers os_check_auth_status. Expires is unix
// milliseconds; zero means no expiry information.
type AuthStatusPayload struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user,omitempty"`
	Token         string         `json:"token,omitempty"`
	Expires       int64          `json:"expires,omitempty"`
}

// PongPayload answers os_ping.
type PongPayload struct {
	Page  string `json:"page,omitempty"`
	Ready bool   `json:"ready"`
}

// DOMResultPayload answers a get_text dom action, correlated by the echoed
// request id.
type DOMResultPayload struct {
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}
