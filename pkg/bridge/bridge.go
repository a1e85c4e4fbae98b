package bridge

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/triangleos/trios/pkg/protocol"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultCallTimeout  = 5 * time.Second
	defaultNavTries     = 3
	defaultNavInterval  = 300 * time.Millisecond
)

// Handlers receives inbound agent messages that are not correlated replies.
// Nil fields are skipped. Set before Attach.
type Handlers struct {
	PageReady           func(protocol.PageReadyPayload)
	AuthSuccess         func(protocol.AuthSuccessPayload)
	CommandRegistered   func(protocol.CommandRegisteredPayload)
	CommandUnregistered func(protocol.CommandUnregisteredPayload)
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithAllowedOrigins sets the explicit origin allow-list. Loopback origins
// are always accepted for local development.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Bridge) {
		for _, o := range origins {
			o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
			if o != "" {
				b.allowed[o] = struct{}{}
			}
		}
	}
}

// WithSkipInjectHosts names external authentication domains that must not
// receive the bridge handshake; frames on these hosts attach passively.
func WithSkipInjectHosts(hosts ...string) Option {
	return func(b *Bridge) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				b.skipInject[h] = struct{}{}
			}
		}
	}
}

// WithReadyTimeout bounds the wait for the page_ready handshake.
func WithReadyTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.readyTimeout = d
		}
	}
}

// WithCallTimeout bounds correlated request round trips.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithNavRetry tunes the navigation re-send saga.
func WithNavRetry(tries uint, interval time.Duration) Option {
	return func(b *Bridge) {
		if tries > 0 {
			b.navTries = tries
		}
		if interval > 0 {
			b.navInterval = interval
		}
	}
}

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(log logrus.FieldLogger) Option {
	return func(b *Bridge) { b.log = log }
}

// Bridge is the shell-side half of the cross-frame protocol. One Bridge
// serves one embedded frame; the shell replaces it on each app load.
type Bridge struct {
	log        logrus.FieldLogger
	tracer     trace.Tracer
	allowed    map[string]struct{}
	skipInject map[string]struct{}

	readyTimeout time.Duration
	callTimeout  time.Duration
	navTries     uint
	navInterval  time.Duration

	handlers Handlers

	mu        sync.Mutex
	transport Transport
	pending   *pendingTracker
	done      chan struct{}
	passive   bool
	page      string

	ready   atomic.Bool
	pageGen atomic.Uint64
	readyCh chan struct{}
}

// New builds a detached bridge.
func New(handlers Handlers, opts ...Option) *Bridge {
	b := &Bridge{
		log:          logrus.StandardLogger(),
		tracer:       otel.Tracer("trios/bridge"),
		allowed:      make(map[string]struct{}),
		skipInject:   make(map[string]struct{}),
		readyTimeout: defaultReadyTimeout,
		callTimeout:  defaultCallTimeout,
		navTries:     defaultNavTries,
		navInterval:  defaultNavInterval,
		handlers:     handlers,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OriginAllowed reports whether a peer origin passes the allow-list. The
// empty origin is the in-process case and always trusted.
func (b *Bridge) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	normalized := strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
	if _, ok := b.allowed[normalized]; ok {
		return true
	}
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// AcceptsOrigin reports whether Attach would take a frame from origin:
// allow-listed origins pass, and so do known external auth domains, which
// attach passively. Transport accept gates should consult this rather than
// OriginAllowed alone, or auth-domain frames get refused before they can
// reach the passive path.
func (b *Bridge) AcceptsOrigin(origin string) bool {
	return b.OriginAllowed(origin) || b.shouldSkipInject(origin)
}

// Attach binds a transport and performs the readiness handshake. For hosts
// on the skip-inject list the frame attaches passively with no handshake.
// On handshake timeout the bridge stays attached and reports
// ErrFrameNotReady; subsequent sends remain best-effort.
func (b *Bridge) Attach(ctx context.Context, t Transport) error {
	origin := t.Origin()
	// Known external auth domains attach passively even when outside the
	// allow-list; everything else must pass it.
	if !b.OriginAllowed(origin) && !b.shouldSkipInject(origin) {
		return ErrOriginNotAllowed
	}

	b.mu.Lock()
	if b.transport != nil {
		b.detachLocked()
	}
	b.transport = t
	b.pending = newPendingTracker()
	b.done = make(chan struct{})
	b.passive = b.shouldSkipInject(origin)
	b.readyCh = make(chan struct{})
	done := b.done
	readyCh := b.readyCh
	b.mu.Unlock()

	b.ready.Store(false)
	go b.readLoop(t, done)

	if b.passive {
		b.log.WithField("origin", origin).Info("bridge: passive attach (auth domain)")
		return nil
	}

	select {
	case <-readyCh:
		return nil
	case <-time.After(b.readyTimeout):
		b.log.WithField("origin", origin).Warn("bridge: frame never signalled readiness")
		return ErrFrameNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach drops the current frame, failing outstanding calls.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.detachLocked()
	b.mu.Unlock()
}

func (b *Bridge) detachLocked() {
	if b.transport == nil {
		return
	}
	close(b.done)
	_ = b.transport.Close()
	b.pending.failAll(ErrTransportClosed)
	b.transport = nil
	b.pending = nil
	b.ready.Store(false)
	b.page = ""
}

// Ready reports whether the embedded document completed its handshake.
func (b *Bridge) Ready() bool { return b.ready.Load() }

// Attached reports whether a frame transport is bound.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil
}

// Page returns the embedded document's current page identifier.
func (b *Bridge) Page() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// Navigate sends os_navigate, fire-and-forget, then re-sends on a short
// jittered delay until the frame reports a new page or attempts run out.
// An unreachable frame is not an error; this is an accepted best-effort
// contract.
func (b *Bridge) Navigate(ctx context.Context, targetURL string) {
	msg, err := protocol.NewMessage(protocol.MsgOSNavigate, "", protocol.NavigatePayload{URL: targetURL})
	if err != nil {
		b.log.WithError(err).Error("bridge: encode navigate")
		return
	}
	startGen := b.pageGen.Load()
	b.send(ctx, msg)

	go b.resendUntilPageTurn(ctx, msg, startGen)
}

func (b *Bridge) resendUntilPageTurn(ctx context.Context, msg protocol.Message, startGen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.navInterval
	operation := func() (struct{}, error) {
		if b.pageGen.Load() != startGen {
			return struct{}{}, nil
		}
		b.send(ctx, msg)
		return struct{}{}, ErrFrameNotReady
	}
	// Exhausting attempts is fine: delivery stays best-effort.
	_, _ = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(b.navTries))
}

// DOMAction forwards a click/focus/set_value manipulation, fire-and-forget.
func (b *Bridge) DOMAction(ctx context.Context, selector, method, value string) {
	msg, err := protocol.NewMessage(protocol.MsgOSDOMAction, "", protocol.DOMActionPayload{
		Selector: selector,
		Method:   method,
		Value:    value,
	})
	if err != nil {
		b.log.WithError(err).Error("bridge: encode dom action")
		return
	}
	b.send(ctx, msg)
}

// GetText performs a correlated get_text round trip. Unlike the other DOM
// methods the reply is matched to this call by request id.
func (b *Bridge) GetText(ctx context.Context, selector string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.get_text",
		trace.WithAttributes(attribute.String("selector", selector)))
	defer span.End()

	reply, err := b.call(ctx, protocol.MsgOSDOMAction, protocol.DOMActionPayload{
		Selector: selector,
		Method:   protocol.DOMGetText,
	})
	if err != nil {
		return "", err
	}
	var payload protocol.DOMResultPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return "", err
	}
	if !payload.OK {
		return "", ErrFrameNotReady
	}
	return payload.Text, nil
}

// InjectStyle forwards a style intent, fire-and-forget. The CSS is not
// validated; the embedded agent injects it verbatim.
func (b *Bridge) InjectStyle(ctx context.Context, payload protocol.AIStylePayload) {
	msg, err := protocol.NewMessage(protocol.MsgOSAIStyle, "", payload)
	if err != nil {
		b.log.WithError(err).Error("bridge: encode ai style")
		return
	}
	b.send(ctx, msg)
}

// ForwardLocalCommand relays a custom command into the frame.
func (b *Bridge) ForwardLocalCommand(ctx context.Context, name string, params map[string]any) {
	msg, err := protocol.NewMessage(protocol.MsgOSLocalCommand, "", protocol.LocalCommandPayload{
		Name:   name,
		Params: params,
	})
	if err != nil {
		b.log.WithError(err).Error("bridge: encode local command")
		return
	}
	b.send(ctx, msg)
}

// Ping performs a correlated liveness probe.
func (b *Bridge) Ping(ctx context.Context) (protocol.PongPayload, error) {
	reply, err := b.call(ctx, protocol.MsgOSPing, nil)
	if err != nil {
		return protocol.PongPayload{}, err
	}
	var payload protocol.PongPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return protocol.PongPayload{}, err
	}
	return payload, nil
}

// CheckAuthStatus asks the embedded document about its session. A timeout or
// missing frame resolves to an explicit unauthenticated result rather than
// an error, so callers never handle a broken reply path.
func (b *Bridge) CheckAuthStatus(ctx context.Context) protocol.AuthStatusPayload {
	ctx, span := b.tracer.Start(ctx, "bridge.check_auth_status")
	defer span.End()

	reply, err := b.call(ctx, protocol.MsgOSCheckAuthStatus, nil)
	if err != nil {
		b.log.WithError(err).Debug("bridge: auth status defaulting to unauthenticated")
		return protocol.AuthStatusPayload{Authenticated: false}
	}
	var payload protocol.AuthStatusPayload
	if err := reply.DecodePayload(&payload); err != nil {
		b.log.WithError(err).Warn("bridge: malformed auth status reply")
		return protocol.AuthStatusPayload{Authenticated: false}
	}
	return payload
}

// call performs a correlated request with the configured timeout.
func (b *Bridge) call(ctx context.Context, typ protocol.MessageType, payload any) (protocol.Message, error) {
	b.mu.Lock()
	transport := b.transport
	pending := b.pending
	b.mu.Unlock()
	if transport == nil {
		return protocol.Message{}, ErrNoFrame
	}

	id := uuid.NewString()
	ch, err := pending.add(id)
	if err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.NewMessage(typ, id, payload)
	if err != nil {
		pending.cancel(id)
		return protocol.Message{}, err
	}
	if err := transport.Send(ctx, msg); err != nil {
		pending.cancel(id)
		return protocol.Message{}, err
	}

	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.Message{}, ErrTransportClosed
		}
		return res.msg, res.err
	case <-timer.C:
		pending.cancel(id)
		return protocol.Message{}, ErrCallTimeout
	case <-ctx.Done():
		pending.cancel(id)
		return protocol.Message{}, ctx.Err()
	}
}

// send is the fire-and-forget path: failures are logged, never surfaced.
func (b *Bridge) send(ctx context.Context, msg protocol.Message) {
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		b.log.WithField("type", msg.Type).Debug("bridge: no frame, dropping message")
		return
	}
	if err := transport.Send(ctx, msg); err != nil {
		b.log.WithError(err).WithField("type", msg.Type).Debug("bridge: best-effort send failed")
	}
}

func (b *Bridge) readLoop(t Transport, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-t.Receive():
			if !ok {
				b.mu.Lock()
				if b.transport == t {
					b.detachLocked()
				}
				b.mu.Unlock()
				return
			}
			b.handleInbound(msg)
		}
	}
}

func (b *Bridge) handleInbound(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgPageReady:
		var payload protocol.PageReadyPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.log.WithError(err).Warn("bridge: malformed page_ready")
			return
		}
		b.mu.Lock()
		b.page = payload.Page
		readyCh := b.readyCh
		b.mu.Unlock()
		b.pageGen.Add(1)
		if b.ready.CompareAndSwap(false, true) && readyCh != nil {
			close(readyCh)
		}
		if b.handlers.PageReady != nil {
			b.handlers.PageReady(payload)
		}
	case protocol.MsgAuthSuccess:
		var payload protocol.AuthSuccessPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.log.WithError(err).Warn("bridge: malformed auth_success")
			return
		}
		if b.handlers.AuthSuccess != nil {
			b.handlers.AuthSuccess(payload)
		}
	case protocol.MsgCommandRegistered:
		var payload protocol.CommandRegisteredPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.log.WithError(err).Warn("bridge: malformed command_registered")
			return
		}
		if b.handlers.CommandRegistered != nil {
			b.handlers.CommandRegistered(payload)
		}
	case protocol.MsgCommandUnregistered:
		var payload protocol.CommandUnregisteredPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.log.WithError(err).Warn("bridge: malformed command_unregistered")
			return
		}
		if b.handlers.CommandUnregistered != nil {
			b.handlers.CommandUnregistered(payload)
		}
	case protocol.MsgAuthStatusResponse, protocol.MsgOSPong, protocol.MsgDOMResult:
		b.mu.Lock()
		pending := b.pending
		b.mu.Unlock()
		if pending == nil || !pending.deliver(msg.RequestID, callResult{msg: msg}) {
			// Replies without a waiting caller are ignored; the caller moved on.
			b.log.WithFields(logrus.Fields{"type": msg.Type, "request_id": msg.RequestID}).
				Debug("bridge: dropping uncorrelated reply")
		}
	default:
		b.log.WithField("type", msg.Type).Debug("bridge: unhandled message type")
	}
}

func (b *Bridge) shouldSkipInject(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := b.skipInject[host]; ok {
		return true
	}
	for domain := range b.skipInject {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
