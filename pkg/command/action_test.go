package command

import (
	"encoding/json"
	"testing"

	"github.com/triangleos/trios/pkg/protocol"
)

func TestDecodeActionVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"navigate", `{"type":"navigate","target":"/project/{projectId}"}`, KindNavigate},
		{"dom_action", `{"type":"dom_action","selector":"#send","method":"click"}`, KindDOMAction},
		{"api_call", `{"type":"api_call","url":"http://localhost/x","method":"POST"}`, KindAPICall},
		{"system_command", `{"type":"system_command","name":"toggle_display_mode"}`, KindSystemCommand},
		{"ai_style", `{"type":"ai_style","intent":"dark","css":"body{background:#000}"}`, KindAIStyle},
		{"custom", `{"type":"custom","name":"summarize","frame":true}`, KindCustom},
		{"execute", `{"type":"execute","event":"open_panel"}`, KindExecute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := DecodeAction(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if a.Kind() != tt.want {
				t.Fatalf("kind = %s, want %s", a.Kind(), tt.want)
			}
		})
	}
}

func TestDecodeActionUnknownKindSurvives(t *testing.T) {
	a, err := DecodeAction(json.RawMessage(`{"type":"hologram","x":1}`))
	if err != nil {
		t.Fatalf("unknown kind should not fail decode: %v", err)
	}
	u, ok := a.(UnknownAction)
	if !ok {
		t.Fatalf("got %T, want UnknownAction", a)
	}
	if u.Type != "hologram" {
		t.Fatalf("type = %s", u.Type)
	}
}

func TestActionEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := EncodeAction(NavigateAction{Target: "/settings"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	nav, ok := a.(NavigateAction)
	if !ok || nav.Target != "/settings" {
		t.Fatalf("round trip lost data: %#v", a)
	}
}

func TestFromSpec(t *testing.T) {
	spec := protocol.CommandSpec{
		ID:          "open-settings",
		Triggers:    []string{"打开设置", "settings"},
		Description: "打开设置页面",
		Scope:       "page",
		Action:      json.RawMessage(`{"type":"navigate","target":"/settings"}`),
	}
	cmd, err := FromSpec(spec)
	if err != nil {
		t.Fatalf("from spec: %v", err)
	}
	if cmd.Scope != ScopePage {
		t.Fatalf("scope = %s", cmd.Scope)
	}
	if _, ok := cmd.Action.(NavigateAction); !ok {
		t.Fatalf("action type %T", cmd.Action)
	}

	if _, err := FromSpec(protocol.CommandSpec{Triggers: []string{"x"}}); err == nil {
		t.Fatal("empty id accepted")
	}
	if _, err := FromSpec(protocol.CommandSpec{ID: "x"}); err == nil {
		t.Fatal("missing triggers accepted")
	}

	// Unrecognized scope falls back to app scope.
	spec.Scope = "galaxy"
	cmd, err = FromSpec(spec)
	if err != nil {
		t.Fatalf("from spec: %v", err)
	}
	if cmd.Scope != ScopeApp {
		t.Fatalf("fallback scope = %s", cmd.Scope)
	}
}
