package command

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener observes changes to the currently visible command set. Listeners
// are notified synchronously, in subscription order; a panicking listener
// must not prevent delivery to the ones after it.
type Listener func(commands []Command)

// Registry owns the currently active commands: a session-wide set (global
// and app scope) plus the set registered for the current page. Page commands
// are cleared when the current page changes.
type Registry struct {
	mu          sync.RWMutex
	session     []Command
	page        []Command
	currentPage string
	log         logrus.FieldLogger

	lmu       sync.Mutex
	listeners map[int]Listener
	nextSub   int
	order     []int
}

// NewRegistry builds an empty command registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{log: log, listeners: make(map[int]Listener)}
}

// Register adds a command according to its scope: global/app commands join
// the session set, page commands attach to cmd.Page (or the current page when
// unset). Within the visible set the last registration wins on id conflict.
func (r *Registry) Register(cmd Command) {
	if cmd.ID == "" || len(cmd.Triggers) == 0 {
		r.log.WithField("command", cmd.ID).Debug("command: ignoring malformed registration")
		return
	}
	r.mu.Lock()
	switch cmd.Scope {
	case ScopePage:
		if cmd.Page == "" {
			cmd.Page = r.currentPage
		}
		if cmd.Page == r.currentPage {
			r.page = upsert(r.page, cmd)
		}
		// Registrations for a page we are no longer on are dropped; the page
		// will re-register them on its next page_ready.
	default:
		r.session = upsert(r.session, cmd)
	}
	r.mu.Unlock()
	r.notify()
}

// Unregister removes a command by id from both sets.
func (r *Registry) Unregister(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	before := len(r.session) + len(r.page)
	r.session = remove(r.session, id)
	r.page = remove(r.page, id)
	changed := before != len(r.session)+len(r.page)
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// SetPage records the current page, clearing commands owned by the page we
// navigated away from.
func (r *Registry) SetPage(page string) {
	r.mu.Lock()
	if r.currentPage == page {
		r.mu.Unlock()
		return
	}
	r.currentPage = page
	cleared := len(r.page) > 0
	r.page = nil
	r.mu.Unlock()
	if cleared {
		r.notify()
	}
}

// Page returns the current page identifier.
func (r *Registry) Page() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentPage
}

// Current returns the visible command set: session commands followed by the
// current page's commands, both in registration order.
func (r *Registry) Current() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.session)+len(r.page))
	out = append(out, r.session...)
	out = append(out, r.page...)
	return out
}

// Match runs the trigger matcher against the visible set.
func (r *Registry) Match(input string) (Command, bool) {
	return Match(input, r.Current())
}

// DropAppCommands removes app-scoped commands, keeping global ones. Called
// when the shell switches applications.
func (r *Registry) DropAppCommands() {
	r.mu.Lock()
	kept := r.session[:0]
	for _, cmd := range r.session {
		if cmd.Scope == ScopeGlobal {
			kept = append(kept, cmd)
		}
	}
	changed := len(kept) != len(r.session) || len(r.page) > 0
	r.session = kept
	r.page = nil
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// Subscribe registers a listener and returns its cancel function. The
// listener immediately receives the current set.
func (r *Registry) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	r.lmu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	r.order = append(r.order, id)
	r.lmu.Unlock()

	r.deliver(l, r.Current())
	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.lmu.Unlock()
	}
}

func (r *Registry) notify() {
	current := r.Current()
	r.lmu.Lock()
	ids := append([]int(nil), r.order...)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		if l, ok := r.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	r.lmu.Unlock()
	for _, l := range listeners {
		r.deliver(l, current)
	}
}

func (r *Registry) deliver(l Listener, commands []Command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("command: listener panicked")
		}
	}()
	l(commands)
}

func upsert(set []Command, cmd Command) []Command {
	set = remove(set, cmd.ID)
	return append(set, cmd)
}

func remove(set []Command, id string) []Command {
	for i, c := range set {
		if c.ID == id {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}
