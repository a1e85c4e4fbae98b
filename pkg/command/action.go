// Package command models voice commands: a closed tagged-action union, the
// trigger matcher, and the runtime registry of currently active commands.
package command

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind discriminates the action union.
type Kind string

const (
	KindNavigate      Kind = "navigate"
	KindDOMAction     Kind = "dom_action"
	KindAPICall       Kind = "api_call"
	KindSystemCommand Kind = "system_command"
	KindAIStyle       Kind = "ai_style"
	KindCustom        Kind = "custom"
	KindExecute       Kind = "execute"
)

// Action is the effect a command performs. The set of implementations is
// closed; UnknownAction exists only for cross-version compatibility with
// externally supplied protocol data and always fails at dispatch.
type Action interface {
	Kind() Kind
}

// NavigateAction performs a client-side navigation. Target may contain
// {placeholder} tokens; App, when set, resolves through the app registry.
type NavigateAction struct {
	Target string `json:"target,omitempty"`
	App    string `json:"app,omitempty"`
}

func (NavigateAction) Kind() Kind { return KindNavigate }

// DOMAction forwards a DOM manipulation into the embedded frame.
type DOMAction struct {
	Selector string `json:"selector"`
	Method   string `json:"method"`
	Value    string `json:"value,omitempty"`
}

func (DOMAction) Kind() Kind { return KindDOMAction }

// APICallAction performs an outbound HTTP request. Success iff 2xx.
type APICallAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (APICallAction) Kind() Kind { return KindAPICall }

// SystemCommandAction invokes the host shell's injected system handler.
type SystemCommandAction struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (SystemCommandAction) Kind() Kind { return KindSystemCommand }

// AIStyleAction forwards a style intent for in-frame CSS injection.
type AIStyleAction struct {
	Intent string `json:"intent,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Target string `json:"target,omitempty"`
	CSS    string `json:"css,omitempty"`
}

func (AIStyleAction) Kind() Kind { return KindAIStyle }

// CustomAction is either forwarded to the embedded frame as a local command
// (Frame true) or delegated to the injected custom handler.
type CustomAction struct {
	Name   string         `json:"name"`
	Frame  bool           `json:"frame,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (CustomAction) Kind() Kind { return KindCustom }

// ExecuteAction dispatches a same-process event for host-side listeners.
type ExecuteAction struct {
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

func (ExecuteAction) Kind() Kind { return KindExecute }

// UnknownAction preserves an unrecognized action kind from external protocol
// data. Dispatching it is a hard failure, never a silent no-op.
type UnknownAction struct {
	Type string
	Raw  json.RawMessage
}

func (UnknownAction) Kind() Kind { return Kind("unknown") }

type actionEnvelope struct {
	Type string `json:"type"`
}

// DecodeAction parses an externally supplied action object. Unrecognized
// kinds decode into UnknownAction so registration still succeeds; execution
// of such a command is where the failure surfaces.
func DecodeAction(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("command: action is empty")
	}
	var env actionEnvelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("command: decode action: %w", err)
	}
	decode := func(out Action) (Action, error) {
		if err := codec.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("command: decode %s action: %w", env.Type, err)
		}
		return out, nil
	}
	switch Kind(env.Type) {
	case KindNavigate:
		a := &NavigateAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindDOMAction:
		a := &DOMAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindAPICall:
		a := &APICallAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindSystemCommand:
		a := &SystemCommandAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindAIStyle:
		a := &AIStyleAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindCustom:
		a := &CustomAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	case KindExecute:
		a := &ExecuteAction{}
		if _, err := decode(a); err != nil {
			return nil, err
		}
		return *a, nil
	default:
		return UnknownAction{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// EncodeAction serializes an action with its type discriminator, the inverse
// of DecodeAction for commands announced over the bridge.
func EncodeAction(a Action) (json.RawMessage, error) {
	if a == nil {
		return nil, fmt.Errorf("command: action is nil")
	}
	if u, ok := a.(UnknownAction); ok {
		return append(json.RawMessage(nil), u.Raw...), nil
	}
	body, err := codec.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("command: encode action: %w", err)
	}
	// Splice the discriminator into the object.
	var m map[string]any
	if err := codec.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("command: encode action: %w", err)
	}
	m["type"] = string(a.Kind())
	out, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("command: encode action: %w", err)
	}
	return out, nil
}
