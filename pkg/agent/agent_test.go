package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/protocol"
)

type fakeHost struct {
	mu       sync.Mutex
	path     string
	dom      []protocol.DOMActionPayload
	styles   []protocol.AIStylePayload
	texts    map[string]string
	navErr   error
	navCalls int
}

func newFakeHost(path string) *fakeHost {
	return &fakeHost{path: path, texts: map[string]string{}}
}

func (h *fakeHost) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

func (h *fakeHost) Navigate(url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navCalls++
	if h.navErr != nil {
		return h.navErr
	}
	h.path = url
	return nil
}

func (h *fakeHost) ApplyDOM(action protocol.DOMActionPayload) protocol.DOMResultPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dom = append(h.dom, action)
	if action.Method == protocol.DOMGetText {
		text, ok := h.texts[action.Selector]
		return protocol.DOMResultPayload{Selector: action.Selector, Text: text, OK: ok}
	}
	return protocol.DOMResultPayload{Selector: action.Selector, OK: true}
}

func (h *fakeHost) InjectStyle(style protocol.AIStylePayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.styles = append(h.styles, style)
	return nil
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// connect wires an agent to the shell end of a pipe and swallows the initial
// page_ready, returning it for inspection.
func connect(t *testing.T, a *Agent) (*bridge.Pipe, protocol.Message) {
	t.Helper()
	shellEnd, agentEnd := bridge.NewPipe("")
	if err := a.Connect(context.Background(), agentEnd); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case msg := <-shellEnd.Receive():
		if msg.Type != protocol.MsgPageReady {
			t.Fatalf("first message = %s, want page_ready", msg.Type)
		}
		return shellEnd, msg
	case <-time.After(time.Second):
		t.Fatal("no page_ready on connect")
		return nil, protocol.Message{}
	}
}

func expect(t *testing.T, shell *bridge.Pipe, typ protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-shell.Receive():
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s received", typ)
		}
	}
}

func shellSend(t *testing.T, shell *bridge.Pipe, typ protocol.MessageType, requestID string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(typ, requestID, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := shell.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestPassiveWithoutShell(t *testing.T) {
	a := New(newFakeHost("/"), WithAgentLogger(quietLogger()))
	if a.ShellMode() {
		t.Fatal("agent reports shell mode with no transport")
	}
	// Passive calls must be silent no-ops.
	a.RegisterCommand(context.Background(), protocol.CommandSpec{ID: "x", Triggers: []string{"x"}})
	a.UnregisterCommand(context.Background(), "x")
	a.AnnounceAuthSuccess(context.Background(), nil, "")
	if err := a.Connect(context.Background(), nil); err != nil {
		t.Fatalf("nil connect: %v", err)
	}
	if a.ShellMode() {
		t.Fatal("nil transport flipped shell mode")
	}
}

func TestConnectAnnouncesPage(t *testing.T) {
	a := New(newFakeHost("/settings/profile"), WithAgentLogger(quietLogger()))
	_, ready := connect(t, a)
	defer a.Disconnect()

	var payload protocol.PageReadyPayload
	if err := ready.DecodePayload(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Page != "settings" {
		t.Fatalf("page = %q, want settings", payload.Page)
	}
	if !a.ShellMode() {
		t.Fatal("shell mode not set after connect")
	}
}

func TestPageFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "home"},
		{"", "home"},
		{"/dashboard", "dashboard"},
		{"/settings/profile", "settings"},
		{"settings", "settings"},
		{"/orders?id=3", "orders"},
		{"/docs#intro", "docs"},
	}
	for _, tt := range tests {
		if got := pageFromPath(tt.path); got != tt.want {
			t.Fatalf("pageFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNavigateUpdatesPageAndReannounces(t *testing.T) {
	host := newFakeHost("/")
	a := New(host, WithAgentLogger(quietLogger()))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSNavigate, "", protocol.NavigatePayload{URL: "/settings"})
	ready := expect(t, shell, protocol.MsgPageReady)

	var payload protocol.PageReadyPayload
	_ = ready.DecodePayload(&payload)
	if payload.Page != "settings" {
		t.Fatalf("page after navigate = %q", payload.Page)
	}
	if a.Page() != "settings" {
		t.Fatalf("agent page = %q", a.Page())
	}
}

func TestGetTextEchoesRequestID(t *testing.T) {
	host := newFakeHost("/")
	host.texts["#title"] = "hello"
	a := New(host, WithAgentLogger(quietLogger()))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSDOMAction, "req-42", protocol.DOMActionPayload{
		Selector: "#title",
		Method:   protocol.DOMGetText,
	})
	reply := expect(t, shell, protocol.MsgDOMResult)
	if reply.RequestID != "req-42" {
		t.Fatalf("request id = %q, want req-42", reply.RequestID)
	}
	var payload protocol.DOMResultPayload
	_ = reply.DecodePayload(&payload)
	if !payload.OK || payload.Text != "hello" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestClickProducesNoReply(t *testing.T) {
	host := newFakeHost("/")
	a := New(host, WithAgentLogger(quietLogger()))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSDOMAction, "", protocol.DOMActionPayload{
		Selector: "#btn",
		Method:   protocol.DOMClick,
	})
	// Probe with a ping; the only reply must be the pong.
	shellSend(t, shell, protocol.MsgOSPing, "p1", nil)
	reply := expect(t, shell, protocol.MsgOSPong)
	if reply.RequestID != "p1" {
		t.Fatalf("got %s id=%q before pong", reply.Type, reply.RequestID)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.dom) != 1 || host.dom[0].Method != protocol.DOMClick {
		t.Fatalf("dom calls = %+v", host.dom)
	}
}

func TestAuthStatusReporter(t *testing.T) {
	a := New(newFakeHost("/"),
		WithAgentLogger(quietLogger()),
		WithAuthReporter(func(context.Context) protocol.AuthStatusPayload {
			return protocol.AuthStatusPayload{Authenticated: true, User: map[string]any{"name": "ada"}}
		}))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSCheckAuthStatus, "auth-1", nil)
	reply := expect(t, shell, protocol.MsgAuthStatusResponse)
	if reply.RequestID != "auth-1" {
		t.Fatalf("request id = %q", reply.RequestID)
	}
	var payload protocol.AuthStatusPayload
	_ = reply.DecodePayload(&payload)
	if !payload.Authenticated {
		t.Fatal("reporter result lost")
	}
}

func TestAuthStatusDefaultsUnauthenticated(t *testing.T) {
	a := New(newFakeHost("/"), WithAgentLogger(quietLogger()))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSCheckAuthStatus, "auth-2", nil)
	reply := expect(t, shell, protocol.MsgAuthStatusResponse)
	var payload protocol.AuthStatusPayload
	_ = reply.DecodePayload(&payload)
	if payload.Authenticated {
		t.Fatal("no reporter but authenticated")
	}
}

func TestLocalCommandDispatch(t *testing.T) {
	a := New(newFakeHost("/"), WithAgentLogger(quietLogger()))
	got := make(chan map[string]any, 1)
	a.OnLocalCommand("toggle_theme", func(_ context.Context, params map[string]any) error {
		got <- params
		return nil
	})
	shell, _ := connect(t, a)
	defer a.Disconnect()

	shellSend(t, shell, protocol.MsgOSLocalCommand, "", protocol.LocalCommandPayload{
		Name:   "toggle_theme",
		Params: map[string]any{"mode": "dark"},
	})
	select {
	case params := <-got:
		if params["mode"] != "dark" {
			t.Fatalf("params = %+v", params)
		}
	case <-time.After(time.Second):
		t.Fatal("local handler not invoked")
	}
}

func TestRegisterCommandCarriesPage(t *testing.T) {
	a := New(newFakeHost("/orders"), WithAgentLogger(quietLogger()))
	shell, _ := connect(t, a)
	defer a.Disconnect()

	a.RegisterCommand(context.Background(), protocol.CommandSpec{ID: "refund", Triggers: []string{"refund"}})
	msg := expect(t, shell, protocol.MsgCommandRegistered)
	var payload protocol.CommandRegisteredPayload
	_ = msg.DecodePayload(&payload)
	if payload.Command.ID != "refund" || payload.Page != "orders" {
		t.Fatalf("payload = %+v", payload)
	}

	a.UnregisterCommand(context.Background(), "refund")
	un := expect(t, shell, protocol.MsgCommandUnregistered)
	var up protocol.CommandUnregisteredPayload
	_ = un.DecodePayload(&up)
	if up.CommandID != "refund" {
		t.Fatalf("unregister payload = %+v", up)
	}
}
