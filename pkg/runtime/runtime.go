// Package runtime is the shell orchestrator: it owns the current application
// context, wires the bridge to the command registry and auth synchronizer,
// and turns user utterances into executed commands.
package runtime

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/app"
	"github.com/triangleos/trios/pkg/authsync"
	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/command"
	"github.com/triangleos/trios/pkg/event"
	"github.com/triangleos/trios/pkg/executor"
	"github.com/triangleos/trios/pkg/navctx"
	"github.com/triangleos/trios/pkg/protocol"
)

// Hooks are the host-supplied handlers injected into the executor. They are
// replaced wholesale on each application load.
type Hooks struct {
	System executor.SystemHandler
	Custom executor.CustomHandler
}

// Deps carries everything a Shell needs. Bridge and Loader get defaults when
// nil; the rest is required.
type Deps struct {
	Log       logrus.FieldLogger
	Apps      *app.Registry
	Commands  *command.Registry
	Nav       *navctx.Store
	Bus       *event.Bus
	Bridge    *bridge.Bridge
	Loader    *protocol.Loader
	AuthStore authsync.Store
	HTTP      *http.Client
}

// appContext is the per-load state, swapped wholesale by LoadApp.
type appContext struct {
	id   string
	doc  *protocol.Document
	exec *executor.Executor
	auth *authsync.Synchronizer
}

// Shell is the runtime command router.
type Shell struct {
	log    logrus.FieldLogger
	apps   *app.Registry
	reg    *command.Registry
	nav    *navctx.Store
	bus    *event.Bus
	bridge *bridge.Bridge
	loader *protocol.Loader
	store  authsync.Store
	client *http.Client

	mu          sync.RWMutex
	current     *appContext
	displayMode string
}

// NewShell wires the orchestrator and registers the built-in fallback
// commands, which survive every application switch.
func NewShell(deps Deps) *Shell {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Loader == nil {
		deps.Loader = protocol.NewLoader(protocol.WithLoaderLogger(deps.Log))
	}
	if deps.AuthStore == nil {
		deps.AuthStore = authsync.NewMemoryStore()
	}
	s := &Shell{
		log:         deps.Log,
		apps:        deps.Apps,
		reg:         deps.Commands,
		nav:         deps.Nav,
		bus:         deps.Bus,
		loader:      deps.Loader,
		store:       deps.AuthStore,
		client:      deps.HTTP,
		displayMode: "light",
	}
	if deps.Bridge != nil {
		s.bridge = deps.Bridge
	} else {
		s.bridge = bridge.New(s.bridgeHandlers())
	}
	s.registerBuiltins()
	return s
}

// NewShellWithBridgeOptions builds the bridge internally with the shell's
// inbound handlers already wired. Use this instead of passing a pre-built
// bridge whose handlers would bypass the shell.
func NewShellWithBridgeOptions(deps Deps, opts ...bridge.Option) *Shell {
	deps.Bridge = nil
	s := NewShell(deps)
	s.bridge = bridge.New(s.bridgeHandlers(), opts...)
	return s
}

// Bridge exposes the shell's bridge, e.g. for the transport accept path.
func (s *Shell) Bridge() *bridge.Bridge { return s.bridge }

// CurrentApp returns the loaded application id, empty when none.
func (s *Shell) CurrentApp() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// DisplayMode returns the shell's display mode, light or dark.
func (s *Shell) DisplayMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayMode
}

// ToggleDisplayMode flips light/dark and reports the new mode.
func (s *Shell) ToggleDisplayMode() string {
	s.mu.Lock()
	if s.displayMode == "dark" {
		s.displayMode = "light"
	} else {
		s.displayMode = "dark"
	}
	mode := s.displayMode
	s.mu.Unlock()
	if err := s.bus.Emit(event.NewEvent(event.EventExecute, s.CurrentApp(), event.ExecuteData{
		Event:  "display_mode_changed",
		Detail: map[string]any{"mode": mode},
	})); err != nil {
		s.log.WithError(err).Debug("runtime: display mode event dropped")
	}
	return mode
}

// LoadApp switches the shell to the application registered under id: resolve
// its URL, drop the previous app's commands, fetch its protocol document, and
// register what it declares. Loading always succeeds once the descriptor
// resolves; a missing or broken protocol document just means the app runs
// with the built-in command set only.
func (s *Shell) LoadApp(ctx context.Context, id string, hooks Hooks) (app.Resolved, error) {
	resolved, err := s.apps.Resolve(id, s.nav)
	if err != nil {
		return app.Resolved{}, err
	}

	s.reg.DropAppCommands()
	s.nav.Clear()

	doc := s.loader.Load(ctx, resolved.URL)
	registered := 0
	for _, spec := range doc.Commands {
		cmd, err := command.FromSpec(spec)
		if err != nil {
			s.log.WithError(err).WithField("command", spec.ID).Warn("runtime: dropping protocol command")
			continue
		}
		s.reg.Register(cmd)
		registered++
	}

	exec := executor.New(s.bridge, s.apps, s.nav, s.bus,
		executor.WithExecutorLogger(s.log),
		executor.WithSystemHandler(s.wrapSystem(hooks.System)),
		executor.WithCustomHandler(hooks.Custom),
		executorHTTPOption(s.client))

	auth := s.buildAuth(doc)

	s.mu.Lock()
	s.current = &appContext{id: id, doc: doc, exec: exec, auth: auth}
	s.mu.Unlock()

	if err := s.bus.Emit(event.NewEvent(event.EventAppLoaded, id, map[string]any{
		"url":      resolved.URL,
		"commands": registered,
	})); err != nil {
		s.log.WithError(err).Debug("runtime: app loaded event dropped")
	}
	s.emitCommandSet()
	s.log.WithFields(logrus.Fields{
		"app":      id,
		"commands": registered,
		"state":    s.loader.State().String(),
	}).Info("runtime: application loaded")
	return resolved, nil
}

// AttachFrame binds an embedded document's transport to the shell's bridge.
func (s *Shell) AttachFrame(ctx context.Context, t bridge.Transport) error {
	return s.bridge.Attach(ctx, t)
}

// DetachFrame drops the embedded document.
func (s *Shell) DetachFrame() { s.bridge.Detach() }

// HandleUtterance matches free text against the visible command set and
// executes the match. The matched command is returned for UI display; ok is
// false when nothing matched.
func (s *Shell) HandleUtterance(ctx context.Context, text string) (command.Command, bool, error) {
	cmd, ok := s.reg.Match(text)
	if !ok {
		return command.Command{}, false, nil
	}
	exec := s.currentExec()
	if exec == nil {
		// No app loaded yet; built-ins still need an executor. Re-check
		// under the write lock so racing utterances share one busy flag.
		s.mu.Lock()
		if s.current == nil {
			s.current = &appContext{exec: executor.New(s.bridge, s.apps, s.nav, s.bus,
				executor.WithExecutorLogger(s.log),
				executor.WithSystemHandler(s.wrapSystem(nil)),
				executorHTTPOption(s.client))}
		}
		exec = s.current.exec
		s.mu.Unlock()
	}
	err := exec.Execute(ctx, cmd, map[string]any{"utterance": text})
	return cmd, true, err
}

// CheckAuth runs the layered session check for the current application.
func (s *Shell) CheckAuth(ctx context.Context) authsync.Status {
	s.mu.RLock()
	auth := (*authsync.Synchronizer)(nil)
	if s.current != nil {
		auth = s.current.auth
	}
	s.mu.RUnlock()
	if auth == nil {
		auth = s.buildAuth(&protocol.Document{})
	}
	return auth.Check(ctx)
}

// Logout clears the cached session for the current application.
func (s *Shell) Logout(ctx context.Context) error {
	s.mu.RLock()
	auth := (*authsync.Synchronizer)(nil)
	if s.current != nil {
		auth = s.current.auth
	}
	s.mu.RUnlock()
	if auth == nil {
		return nil
	}
	return auth.Logout(ctx)
}

func (s *Shell) currentExec() *executor.Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.exec
}

// wrapSystem layers the shell's own system commands under the injected
// handler: the display-mode toggle must work even when the host supplies
// nothing.
func (s *Shell) wrapSystem(next executor.SystemHandler) executor.SystemHandler {
	return func(ctx context.Context, name string, params map[string]any) bool {
		if name == "toggle_display_mode" {
			s.ToggleDisplayMode()
			return true
		}
		if next != nil {
			return next(ctx, name, params)
		}
		return false
	}
}

// registerBuiltins installs the always-present fallback commands as globals
// so they survive DropAppCommands.
func (s *Shell) registerBuiltins() {
	s.reg.Register(command.Command{
		ID:          "builtin.toggle-display-mode",
		Triggers:    []string{"dark mode", "light mode", "display mode", "切换显示模式"},
		Description: "Toggle between light and dark display mode",
		Action:      command.SystemCommandAction{Name: "toggle_display_mode"},
		Scope:       command.ScopeGlobal,
	})
	s.reg.Register(command.Command{
		ID:          "builtin.go-home",
		Triggers:    []string{"go home", "home page", "回到首页"},
		Description: "Navigate back to the home page",
		Action:      command.NavigateAction{Target: "/"},
		Scope:       command.ScopeGlobal,
	})
}

func (s *Shell) buildAuth(doc *protocol.Document) *authsync.Synchronizer {
	var spec *protocol.AuthSpec
	if doc != nil {
		spec = doc.Authentication
	}
	provider := authsync.ProviderFor(spec, s.bridge, s.client, s.log)
	opts := []authsync.SyncOption{authsync.WithSyncLogger(s.log)}
	if spec != nil && spec.SessionStorage != "" {
		opts = append(opts, authsync.WithStorageKey(spec.SessionStorage))
	}
	if spec != nil && spec.LoginPage != "" {
		opts = append(opts, authsync.WithLoginPaths(spec.LoginPage))
	}
	location := func() string { return "/" + s.reg.Page() }
	return authsync.New(s.store, provider, location, opts...)
}

// bridgeHandlers wires inbound agent messages into the registry, navigation
// context, and event bus.
func (s *Shell) bridgeHandlers() bridge.Handlers {
	return bridge.Handlers{
		PageReady: func(p protocol.PageReadyPayload) {
			s.reg.SetPage(p.Page)
			s.emitCommandSet()
		},
		AuthSuccess: func(p protocol.AuthSuccessPayload) {
			s.onAuthSuccess(p)
		},
		CommandRegistered: func(p protocol.CommandRegisteredPayload) {
			cmd, err := command.FromSpec(p.Command)
			if err != nil {
				s.log.WithError(err).Warn("runtime: dropping cross-frame registration")
				return
			}
			if cmd.Scope == command.ScopePage && cmd.Page == "" {
				cmd.Page = p.Page
			}
			s.reg.Register(cmd)
			s.emitCommandSet()
		},
		CommandUnregistered: func(p protocol.CommandUnregisteredPayload) {
			s.reg.Unregister(p.CommandID)
			s.emitCommandSet()
		},
	}
}

func (s *Shell) onAuthSuccess(p protocol.AuthSuccessPayload) {
	if id, ok := p.User["id"]; ok {
		s.nav.Set("userId", id)
	}
	if name, ok := p.User["username"]; ok {
		s.nav.Set("username", name)
	} else if name, ok := p.User["name"]; ok {
		s.nav.Set("username", name)
	}

	s.mu.RLock()
	auth := (*authsync.Synchronizer)(nil)
	if s.current != nil {
		auth = s.current.auth
	}
	s.mu.RUnlock()
	if auth != nil {
		auth.Record(context.Background(), authsync.Status{Authenticated: true, User: p.User})
	}

	if err := s.bus.Emit(event.NewEvent(event.EventAuthChanged, s.CurrentApp(), event.AuthChangedData{
		Authenticated: true,
		User:          p.User,
		RedirectTo:    p.RedirectTo,
	})); err != nil {
		s.log.WithError(err).Debug("runtime: auth event dropped")
	}
	if p.RedirectTo != "" {
		s.bridge.Navigate(context.Background(), p.RedirectTo)
	}
}

func (s *Shell) emitCommandSet() {
	current := s.reg.Current()
	summaries := make([]event.CommandSummary, 0, len(current))
	for _, c := range current {
		summaries = append(summaries, event.CommandSummary{
			ID:          c.ID,
			Triggers:    c.Triggers,
			Description: c.Description,
			Icon:        c.Icon,
		})
	}
	if err := s.bus.Emit(event.NewEvent(event.EventCommandSet, s.CurrentApp(), event.CommandSetData{
		Commands: summaries,
	})); err != nil {
		s.log.WithError(err).Debug("runtime: command set event dropped")
	}
}

func executorHTTPOption(c *http.Client) executor.Option {
	if c == nil {
		return func(*executor.Executor) {}
	}
	return executor.WithHTTPClient(c)
}
