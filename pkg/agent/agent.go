// Package agent implements the embedded side of the cross-frame protocol:
// the counterpart that runs inside a hosted application, answers the shell's
// messages, and exposes a small API so the application itself can register
// commands and query whether it is running under the shell at all.
package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/protocol"
)

// Host is what the agent manipulates on behalf of the shell: the hosted
// application's own view and location.
type Host interface {
	// Location returns the application's current path, e.g. "/settings/profile".
	Location() string
	// Navigate moves the application to url.
	Navigate(url string) error
	// ApplyDOM performs a click/focus/set_value/get_text against the view.
	ApplyDOM(action protocol.DOMActionPayload) protocol.DOMResultPayload
	// InjectStyle applies a style intent to the view.
	InjectStyle(style protocol.AIStylePayload) error
}

// AuthReporter answers the shell's auth-status probes. Optional; without one
// the agent reports unauthenticated.
type AuthReporter func(ctx context.Context) protocol.AuthStatusPayload

// LocalHandler runs a custom command forwarded into the frame by name.
type LocalHandler func(ctx context.Context, params map[string]any) error

// Option customizes an Agent.
type Option func(*Agent)

// WithAuthReporter installs the auth-status callback.
func WithAuthReporter(r AuthReporter) Option {
	return func(a *Agent) { a.auth = r }
}

// WithAgentLogger sets the agent logger.
func WithAgentLogger(log logrus.FieldLogger) Option {
	return func(a *Agent) { a.log = log }
}

// Agent is the in-frame protocol endpoint. Until Connect succeeds the agent
// is entirely passive: the hosted application runs standalone and every
// shell-facing call is a silent no-op.
type Agent struct {
	host Host
	auth AuthReporter
	log  logrus.FieldLogger

	mu        sync.Mutex
	transport bridge.Transport
	page      string
	local     map[string]LocalHandler
	done      chan struct{}
}

// New builds a passive agent around the hosted application.
func New(host Host, opts ...Option) *Agent {
	a := &Agent{
		host:  host,
		log:   logrus.StandardLogger(),
		local: make(map[string]LocalHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect binds the agent to the shell and announces readiness with the
// current page. A nil transport leaves the agent passive.
func (a *Agent) Connect(ctx context.Context, t bridge.Transport) error {
	if t == nil {
		return nil
	}
	a.mu.Lock()
	if a.transport != nil {
		close(a.done)
		_ = a.transport.Close()
	}
	a.transport = t
	a.page = pageFromPath(a.host.Location())
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go a.readLoop(t, done)
	return a.announcePageReady(ctx)
}

// Disconnect returns the agent to passive mode.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport == nil {
		return
	}
	close(a.done)
	_ = a.transport.Close()
	a.transport = nil
}

// ShellMode reports whether the application is running under the shell.
func (a *Agent) ShellMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport != nil
}

// Page returns the agent's own current page identifier.
func (a *Agent) Page() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.page
}

// RegisterCommand announces a command the hosted application wants active.
// The registration carries the current page so the shell can scope it.
func (a *Agent) RegisterCommand(ctx context.Context, cmd protocol.CommandSpec) {
	a.send(ctx, protocol.MsgCommandRegistered, "", protocol.CommandRegisteredPayload{
		Command: cmd,
		Page:    a.Page(),
	})
}

// UnregisterCommand withdraws a previously announced command.
func (a *Agent) UnregisterCommand(ctx context.Context, commandID string) {
	a.send(ctx, protocol.MsgCommandUnregistered, "", protocol.CommandUnregisteredPayload{
		CommandID: commandID,
		Page:      a.Page(),
	})
}

// AnnounceAuthSuccess tells the shell a login completed in-frame.
func (a *Agent) AnnounceAuthSuccess(ctx context.Context, user map[string]any, redirectTo string) {
	a.send(ctx, protocol.MsgAuthSuccess, "", protocol.AuthSuccessPayload{
		User:       user,
		RedirectTo: redirectTo,
	})
}

// OnLocalCommand registers a handler for a named custom command forwarded by
// the shell. The last registration for a name wins.
func (a *Agent) OnLocalCommand(name string, h LocalHandler) {
	a.mu.Lock()
	a.local[name] = h
	a.mu.Unlock()
}

func (a *Agent) announcePageReady(ctx context.Context) error {
	a.mu.Lock()
	t := a.transport
	page := a.page
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	msg, err := protocol.NewMessage(protocol.MsgPageReady, "", protocol.PageReadyPayload{
		Page: page,
		URL:  a.host.Location(),
	})
	if err != nil {
		return err
	}
	return t.Send(ctx, msg)
}

func (a *Agent) send(ctx context.Context, typ protocol.MessageType, requestID string, payload any) {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return
	}
	msg, err := protocol.NewMessage(typ, requestID, payload)
	if err != nil {
		a.log.WithError(err).WithField("type", typ).Error("agent: encode failed")
		return
	}
	if err := t.Send(ctx, msg); err != nil {
		a.log.WithError(err).WithField("type", typ).Debug("agent: send failed")
	}
}

func (a *Agent) readLoop(t bridge.Transport, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-t.Receive():
			if !ok {
				a.mu.Lock()
				if a.transport == t {
					a.transport = nil
				}
				a.mu.Unlock()
				return
			}
			a.handleInbound(context.Background(), msg)
		}
	}
}

func (a *Agent) handleInbound(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgOSNavigate:
		var payload protocol.NavigatePayload
		if err := msg.DecodePayload(&payload); err != nil {
			a.log.WithError(err).Warn("agent: malformed navigate")
			return
		}
		if err := a.host.Navigate(payload.URL); err != nil {
			a.log.WithError(err).WithField("url", payload.URL).Warn("agent: navigation failed")
			return
		}
		a.mu.Lock()
		a.page = pageFromPath(a.host.Location())
		a.mu.Unlock()
		_ = a.announcePageReady(ctx)
	case protocol.MsgOSDOMAction:
		var payload protocol.DOMActionPayload
		if err := msg.DecodePayload(&payload); err != nil {
			a.log.WithError(err).Warn("agent: malformed dom_action")
			return
		}
		result := a.host.ApplyDOM(payload)
		// Only get_text wants an answer, and it must carry the caller's id.
		if payload.Method == protocol.DOMGetText {
			a.send(ctx, protocol.MsgDOMResult, msg.RequestID, result)
		}
	case protocol.MsgOSAIStyle:
		var payload protocol.AIStylePayload
		if err := msg.DecodePayload(&payload); err != nil {
			a.log.WithError(err).Warn("agent: malformed ai_style")
			return
		}
		if err := a.host.InjectStyle(payload); err != nil {
			a.log.WithError(err).Warn("agent: style injection failed")
		}
	case protocol.MsgOSPing:
		a.send(ctx, protocol.MsgOSPong, msg.RequestID, protocol.PongPayload{
			Page:  a.Page(),
			Ready: true,
		})
	case protocol.MsgOSCheckAuthStatus:
		status := protocol.AuthStatusPayload{Authenticated: false}
		if a.auth != nil {
			status = a.auth(ctx)
		}
		a.send(ctx, protocol.MsgAuthStatusResponse, msg.RequestID, status)
	case protocol.MsgOSLocalCommand:
		var payload protocol.LocalCommandPayload
		if err := msg.DecodePayload(&payload); err != nil {
			a.log.WithError(err).Warn("agent: malformed local command")
			return
		}
		a.mu.Lock()
		h := a.local[payload.Name]
		a.mu.Unlock()
		if h == nil {
			a.log.WithField("name", payload.Name).Debug("agent: no local handler")
			return
		}
		if err := h(ctx, payload.Params); err != nil {
			a.log.WithError(err).WithField("name", payload.Name).Warn("agent: local command failed")
		}
	default:
		a.log.WithField("type", msg.Type).Debug("agent: unhandled message type")
	}
}

// pageFromPath maps a location path to a page identifier: the first segment,
// or "home" at the root.
func pageFromPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "home"
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}
