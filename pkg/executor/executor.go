// Package executor dispatches matched commands to their effects: bridge
// messages, HTTP calls, injected host handlers, or local events. One command
// runs at a time; a second call while one is in flight is rejected, not
// queued.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/triangleos/trios/pkg/app"
	"github.com/triangleos/trios/pkg/command"
	"github.com/triangleos/trios/pkg/event"
	"github.com/triangleos/trios/pkg/navctx"
	"github.com/triangleos/trios/pkg/protocol"
)

var (
	// ErrBusy rejects a command started while another is in flight.
	ErrBusy = errors.New("executor: command already in flight")
	// ErrUnknownAction is the hard failure for an unrecognized action kind.
	ErrUnknownAction = errors.New("executor: unknown action type")
	// ErrNoHandler indicates no injected handler covers the action;
	// "unsupported", not fatal to the shell.
	ErrNoHandler = errors.New("executor: no handler registered")
	// ErrMissingParams indicates a navigation target could not be resolved.
	ErrMissingParams = errors.New("executor: required parameters missing")
)

// Frame is the slice of the bridge the executor drives.
type Frame interface {
	Attached() bool
	Navigate(ctx context.Context, url string)
	DOMAction(ctx context.Context, selector, method, value string)
	GetText(ctx context.Context, selector string) (string, error)
	InjectStyle(ctx context.Context, payload protocol.AIStylePayload)
	ForwardLocalCommand(ctx context.Context, name string, params map[string]any)
}

// SystemHandler is the host shell's injected callback for system_command
// actions. It reports whether it handled the command.
type SystemHandler func(ctx context.Context, name string, params map[string]any) bool

// CustomHandler is the host shell's injected callback for custom actions not
// scoped to the frame.
type CustomHandler func(ctx context.Context, name string, params map[string]any) bool

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the client used for api_call actions.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithSystemHandler injects the system_command callback.
func WithSystemHandler(h SystemHandler) Option {
	return func(e *Executor) { e.system = h }
}

// WithCustomHandler injects the custom-action callback.
func WithCustomHandler(h CustomHandler) Option {
	return func(e *Executor) { e.custom = h }
}

// WithExternalActive tells the executor whether a non-embedded external app
// is the active one; navigation then becomes a UI intent instead of a bridge
// message.
func WithExternalActive(f func() bool) Option {
	return func(e *Executor) { e.externalActive = f }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(log logrus.FieldLogger) Option {
	return func(e *Executor) { e.log = log }
}

// Executor runs exactly one action per matched command.
type Executor struct {
	frame  Frame
	apps   *app.Registry
	nav    *navctx.Store
	bus    *event.Bus
	client *http.Client
	log    logrus.FieldLogger
	tracer trace.Tracer

	system         SystemHandler
	custom         CustomHandler
	externalActive func() bool

	busy atomic.Bool
}

// New wires an executor. frame may be nil when no embedded app is hosted.
func New(frame Frame, apps *app.Registry, nav *navctx.Store, bus *event.Bus, opts ...Option) *Executor {
	e := &Executor{
		frame:  frame,
		apps:   apps,
		nav:    nav,
		bus:    bus,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logrus.StandardLogger(),
		tracer: otel.Tracer("trios/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Busy reports whether a command is currently in flight.
func (e *Executor) Busy() bool { return e.busy.Load() }

// Execute dispatches cmd's action. params is the free-form bag forwarded to
// handler-style actions (e.g. the user's spoken text). The result event is
// emitted on the bus either way.
func (e *Executor) Execute(ctx context.Context, cmd command.Command, params map[string]any) error {
	if cmd.Action == nil {
		return fmt.Errorf("%w: nil action", ErrUnknownAction)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("action.kind", string(cmd.Action.Kind()))))
	defer span.End()

	start := time.Now()
	detail, err := e.dispatch(ctx, cmd, params)
	e.emitResult(cmd.ID, detail, err, time.Since(start))
	if err != nil {
		e.log.WithError(err).WithField("command", cmd.ID).Warn("executor: command failed")
	}
	return err
}

// dispatch runs the action and returns the human-readable detail of the
// outcome, currently only populated by get_text reads.
func (e *Executor) dispatch(ctx context.Context, cmd command.Command, params map[string]any) (string, error) {
	switch a := cmd.Action.(type) {
	case command.NavigateAction:
		return "", e.navigate(ctx, a)
	case command.DOMAction:
		if e.frame == nil || !e.frame.Attached() {
			return "", ErrNoHandler
		}
		// get_text is the one DOM method with a reply: it goes through the
		// correlated round trip and its text rides the result event.
		if a.Method == protocol.DOMGetText {
			text, err := e.frame.GetText(ctx, a.Selector)
			if err != nil {
				return "", fmt.Errorf("executor: get text %s: %w", a.Selector, err)
			}
			return text, nil
		}
		e.frame.DOMAction(ctx, a.Selector, a.Method, a.Value)
		return "", nil
	case command.APICallAction:
		return "", e.apiCall(ctx, a)
	case command.SystemCommandAction:
		if e.system == nil {
			return "", ErrNoHandler
		}
		merged := mergeParams(a.Params, params)
		if !e.system(ctx, a.Name, merged) {
			return "", fmt.Errorf("%w: system command %s", ErrNoHandler, a.Name)
		}
		return "", nil
	case command.AIStyleAction:
		if e.frame == nil || !e.frame.Attached() {
			return "", ErrNoHandler
		}
		e.frame.InjectStyle(ctx, protocol.AIStylePayload{
			Intent: a.Intent,
			Scope:  a.Scope,
			Target: a.Target,
			CSS:    a.CSS,
		})
		return "", nil
	case command.CustomAction:
		merged := mergeParams(a.Params, params)
		if a.Frame {
			if e.frame == nil || !e.frame.Attached() {
				return "", ErrNoHandler
			}
			e.frame.ForwardLocalCommand(ctx, a.Name, merged)
			return "", nil
		}
		if e.custom == nil || !e.custom(ctx, a.Name, merged) {
			return "", fmt.Errorf("%w: custom command %s", ErrNoHandler, a.Name)
		}
		return "", nil
	case command.ExecuteAction:
		return "", e.bus.Emit(event.NewEvent(event.EventExecute, "", event.ExecuteData{
			Event:  a.Event,
			Detail: a.Detail,
		}))
	case command.UnknownAction:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownAction, cmd.Action)
	}
}

// navigate resolves the target and picks a route: bridge message when an
// embedded frame is live, UI intent for an external app, direct change
// otherwise.
func (e *Executor) navigate(ctx context.Context, a command.NavigateAction) error {
	target := a.Target
	if a.App != "" {
		resolved, err := e.apps.Resolve(a.App, e.nav)
		if err != nil {
			return err
		}
		if len(resolved.Missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingParams, strings.Join(resolved.Missing, ", "))
		}
		target = resolved.URL
	} else if e.nav != nil {
		target = app.Substitute(target, e.nav.Snapshot())
	}
	if target == "" {
		return errors.New("executor: navigation target is empty")
	}

	switch {
	case e.frame != nil && e.frame.Attached():
		e.frame.Navigate(ctx, target)
		return nil
	case e.externalActive != nil && e.externalActive():
		return e.bus.Emit(event.NewEvent(event.EventNavigationIntent, a.App,
			event.NavigationIntentData{URL: target}))
	default:
		return e.bus.Emit(event.NewEvent(event.EventNavigationIntent, a.App,
			event.NavigationIntentData{URL: target, Direct: true}))
	}
}

// apiCall succeeds iff the response status is 2xx. No retries.
func (e *Executor) apiCall(ctx context.Context, a command.APICallAction) error {
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body *bytes.Reader
	if len(a.Body) > 0 {
		body = bytes.NewReader(a.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return fmt.Errorf("executor: build api call: %w", err)
	}
	if len(a.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor: api call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("executor: api call returned %s", resp.Status)
	}
	return nil
}

func (e *Executor) emitResult(commandID, detail string, err error, elapsed time.Duration) {
	data := event.CommandResultData{
		CommandID: commandID,
		OK:        err == nil,
		Detail:    detail,
		Duration:  elapsed,
	}
	if err != nil {
		data.Error = err.Error()
	}
	if emitErr := e.bus.Emit(event.NewEvent(event.EventCommandResult, "", data)); emitErr != nil {
		e.log.WithError(emitErr).Debug("executor: result event dropped")
	}
}

func mergeParams(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
