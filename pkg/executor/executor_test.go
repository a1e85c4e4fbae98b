package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/app"
	"github.com/triangleos/trios/pkg/command"
	"github.com/triangleos/trios/pkg/event"
	"github.com/triangleos/trios/pkg/navctx"
	"github.com/triangleos/trios/pkg/protocol"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeFrame struct {
	mu        sync.Mutex
	attached  bool
	navs      []string
	doms      []protocol.DOMActionPayload
	styles    []protocol.AIStylePayload
	locals    []string
	text      string
	textErr   error
	textReads []string
}

func (f *fakeFrame) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeFrame) Navigate(_ context.Context, url string) {
	f.mu.Lock()
	f.navs = append(f.navs, url)
	f.mu.Unlock()
}

func (f *fakeFrame) DOMAction(_ context.Context, selector, method, value string) {
	f.mu.Lock()
	f.doms = append(f.doms, protocol.DOMActionPayload{Selector: selector, Method: method, Value: value})
	f.mu.Unlock()
}

func (f *fakeFrame) GetText(_ context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	f.textReads = append(f.textReads, selector)
	return f.text, nil
}

func (f *fakeFrame) InjectStyle(_ context.Context, payload protocol.AIStylePayload) {
	f.mu.Lock()
	f.styles = append(f.styles, payload)
	f.mu.Unlock()
}

func (f *fakeFrame) ForwardLocalCommand(_ context.Context, name string, _ map[string]any) {
	f.mu.Lock()
	f.locals = append(f.locals, name)
	f.mu.Unlock()
}

type harness struct {
	exec    *Executor
	frame   *fakeFrame
	apps    *app.Registry
	nav     *navctx.Store
	ui      chan event.Event
	control chan event.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		frame:   &fakeFrame{attached: true},
		apps:    app.NewRegistry(),
		nav:     navctx.New(),
		ui:      make(chan event.Event, 16),
		control: make(chan event.Event, 16),
	}
	bus := event.NewBus(h.ui, h.control, make(chan event.Event, 16))
	t.Cleanup(func() { _ = bus.Seal() })
	opts = append([]Option{WithExecutorLogger(quietLogger())}, opts...)
	h.exec = New(h.frame, h.apps, h.nav, bus, opts...)
	return h
}

func (h *harness) waitUI(t *testing.T, typ event.EventType) event.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-h.ui:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func cmdWith(a command.Action) command.Command {
	return command.Command{ID: "test-cmd", Triggers: []string{"test"}, Action: a, Scope: command.ScopeApp}
}

func TestNavigateThroughFrame(t *testing.T) {
	h := newHarness(t)
	h.nav.Set("userId", "u1")

	err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{Target: "/users/{userId}"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.frame.mu.Lock()
	defer h.frame.mu.Unlock()
	if len(h.frame.navs) != 1 || h.frame.navs[0] != "/users/u1" {
		t.Fatalf("navs = %v", h.frame.navs)
	}
}

func TestNavigateViaAppRegistry(t *testing.T) {
	h := newHarness(t)
	_ = h.apps.Register(app.Descriptor{
		ID:   "crm",
		Name: "CRM",
		Type: app.TypeWebsite,
		URL:  "https://crm.example.com/{tenant}",
		Params: app.Params{
			Required: []string{"tenant"},
		},
	})

	err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{App: "crm"}), nil)
	if !errors.Is(err, ErrMissingParams) {
		t.Fatalf("err = %v, want ErrMissingParams", err)
	}

	h.nav.Set("tenant", "acme")
	if err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{App: "crm"}), nil); err != nil {
		t.Fatal(err)
	}
	h.frame.mu.Lock()
	defer h.frame.mu.Unlock()
	if len(h.frame.navs) != 1 || h.frame.navs[0] != "https://crm.example.com/acme" {
		t.Fatalf("navs = %v", h.frame.navs)
	}
}

func TestNavigateUnknownAppSurfaces(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{App: "ghost"}), nil)
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("err = %v, want app.ErrNotFound", err)
	}
}

func TestNavigateWithoutFrameEmitsIntent(t *testing.T) {
	external := false
	h := newHarness(t, WithExternalActive(func() bool { return external }))
	h.frame.attached = false

	if err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{Target: "/about"}), nil); err != nil {
		t.Fatal(err)
	}
	evt := h.waitUI(t, event.EventNavigationIntent)
	data := evt.Data.(event.NavigationIntentData)
	if !data.Direct || data.URL != "/about" {
		t.Fatalf("data = %+v", data)
	}

	external = true
	if err := h.exec.Execute(context.Background(), cmdWith(command.NavigateAction{Target: "/about"}), nil); err != nil {
		t.Fatal(err)
	}
	evt = h.waitUI(t, event.EventNavigationIntent)
	data = evt.Data.(event.NavigationIntentData)
	if data.Direct {
		t.Fatal("external app navigation flagged as direct")
	}
}

func TestDOMActionForwarded(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.DOMAction{
		Selector: "#save", Method: protocol.DOMClick,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.frame.mu.Lock()
	defer h.frame.mu.Unlock()
	if len(h.frame.doms) != 1 || h.frame.doms[0].Selector != "#save" {
		t.Fatalf("doms = %v", h.frame.doms)
	}
}

func TestGetTextSurfacesInResult(t *testing.T) {
	h := newHarness(t)
	h.frame.text = "¥1,234"

	err := h.exec.Execute(context.Background(), cmdWith(command.DOMAction{
		Selector: "#total", Method: protocol.DOMGetText,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}

	evt := h.waitUI(t, event.EventCommandResult)
	data := evt.Data.(event.CommandResultData)
	if !data.OK || data.Detail != "¥1,234" {
		t.Fatalf("result = %+v", data)
	}

	// The read must go through the correlated round trip, never the
	// fire-and-forget path that would orphan the reply.
	h.frame.mu.Lock()
	doms, reads := len(h.frame.doms), h.frame.textReads
	h.frame.mu.Unlock()
	if doms != 0 {
		t.Fatalf("get_text sent fire-and-forget: %v", h.frame.doms)
	}
	if len(reads) != 1 || reads[0] != "#total" {
		t.Fatalf("reads = %v", reads)
	}
}

func TestGetTextFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.frame.textErr = errors.New("element not found")

	err := h.exec.Execute(context.Background(), cmdWith(command.DOMAction{
		Selector: "#missing", Method: protocol.DOMGetText,
	}), nil)
	if err == nil {
		t.Fatal("failed read reported success")
	}
	evt := h.waitUI(t, event.EventCommandResult)
	data := evt.Data.(event.CommandResultData)
	if data.OK || data.Error == "" {
		t.Fatalf("result = %+v", data)
	}
}

func TestAPICallSuccessOn2xx(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.APICallAction{
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"X-Token": "t1"},
		Body:    []byte(`{"a":1}`),
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost || gotHeader != "t1" {
		t.Fatalf("method=%s header=%s", gotMethod, gotHeader)
	}
}

func TestAPICallFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.APICallAction{URL: srv.URL}), nil)
	if err == nil {
		t.Fatal("404 reported success")
	}
}

func TestSystemCommandHandler(t *testing.T) {
	var gotName string
	var gotParams map[string]any
	h := newHarness(t, WithSystemHandler(func(_ context.Context, name string, params map[string]any) bool {
		gotName = name
		gotParams = params
		return name == "toggle_display_mode"
	}))

	err := h.exec.Execute(context.Background(), cmdWith(command.SystemCommandAction{
		Name:   "toggle_display_mode",
		Params: map[string]any{"mode": "dark"},
	}), map[string]any{"utterance": "dark mode please"})
	if err != nil {
		t.Fatal(err)
	}
	if gotName != "toggle_display_mode" || gotParams["mode"] != "dark" || gotParams["utterance"] != "dark mode please" {
		t.Fatalf("name=%s params=%v", gotName, gotParams)
	}

	err = h.exec.Execute(context.Background(), cmdWith(command.SystemCommandAction{Name: "unknown_sys"}), nil)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestSystemCommandWithoutHandler(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.SystemCommandAction{Name: "x"}), nil)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestCustomActionRouting(t *testing.T) {
	handled := false
	h := newHarness(t, WithCustomHandler(func(_ context.Context, name string, _ map[string]any) bool {
		handled = name == "local_thing"
		return handled
	}))

	// Frame-scoped goes across the bridge.
	if err := h.exec.Execute(context.Background(), cmdWith(command.CustomAction{Name: "frame_thing", Frame: true}), nil); err != nil {
		t.Fatal(err)
	}
	h.frame.mu.Lock()
	locals := append([]string(nil), h.frame.locals...)
	h.frame.mu.Unlock()
	if len(locals) != 1 || locals[0] != "frame_thing" {
		t.Fatalf("locals = %v", locals)
	}

	// Host-scoped goes to the injected handler.
	if err := h.exec.Execute(context.Background(), cmdWith(command.CustomAction{Name: "local_thing"}), nil); err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("custom handler not invoked")
	}
}

func TestExecuteActionDispatchesEvent(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.ExecuteAction{
		Event:  "refresh-dashboard",
		Detail: map[string]any{"hard": true},
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-h.control:
		data := evt.Data.(event.ExecuteData)
		if data.Event != "refresh-dashboard" {
			t.Fatalf("data = %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no execute event")
	}
}

func TestUnknownActionHardFailure(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), cmdWith(command.UnknownAction{Type: "teleport"}), nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
	// The failure still produces a result event; never a silent no-op.
	evt := h.waitUI(t, event.EventCommandResult)
	data := evt.Data.(event.CommandResultData)
	if data.OK || data.Error == "" {
		t.Fatalf("result = %+v", data)
	}
}

func TestBusyRejectsConcurrentExecution(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, WithSystemHandler(func(_ context.Context, _ string, _ map[string]any) bool {
		<-release
		return true
	}))

	done := make(chan error, 1)
	go func() {
		done <- h.exec.Execute(context.Background(), cmdWith(command.SystemCommandAction{Name: "slow"}), nil)
	}()

	// Wait for the first execution to take the busy flag.
	deadline := time.Now().Add(time.Second)
	for !h.exec.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first execution never started")
		}
		time.Sleep(time.Millisecond)
	}

	err := h.exec.Execute(context.Background(), cmdWith(command.SystemCommandAction{Name: "second"}), nil)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first execution failed: %v", err)
	}
	if h.exec.Busy() {
		t.Fatal("busy flag stuck")
	}
}
