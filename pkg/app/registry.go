package app

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/triangleos/trios/pkg/navctx"
)

// ErrNotFound indicates a lookup for an unregistered application id. Callers
// must surface this to the navigation attempt that triggered it.
var ErrNotFound = errors.New("app: descriptor not found")

// Resolved carries the outcome of a placeholder resolution. Unresolved tokens
// are left verbatim in URL; callers must notice a non-empty Missing list.
type Resolved struct {
	URL     string
	Missing []string
}

// Registry maps application ids to descriptors. Duplicate registration
// silently replaces the previous descriptor.
type Registry struct {
	mu    sync.RWMutex
	apps  map[string]Descriptor
	order []string
}

// NewRegistry returns an empty application registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]Descriptor)}
}

// Register inserts or overwrites the descriptor keyed by its id.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("app: descriptor id is empty")
	}
	r.mu.Lock()
	if _, exists := r.apps[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.apps[d.ID] = d
	r.mu.Unlock()
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.apps[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.apps[id])
	}
	return out
}

// Resolve substitutes every {key} token in the descriptor's URL using the
// navigation context, falling back to descriptor defaults. Required
// parameters absent from the merged context are collected into Missing.
func (r *Registry) Resolve(id string, ctx *navctx.Store) (Resolved, error) {
	d, err := r.Get(id)
	if err != nil {
		return Resolved{}, err
	}
	merged := make(map[string]any, len(d.Params.Defaults))
	for k, v := range d.Params.Defaults {
		merged[k] = v
	}
	if ctx != nil {
		for k, v := range ctx.Snapshot() {
			merged[k] = v
		}
	}
	res := Resolved{URL: substitute(d.URL, merged)}
	for _, req := range d.Params.Required {
		if _, ok := merged[req]; !ok {
			res.Missing = append(res.Missing, req)
		}
	}
	return res, nil
}

// Substitute replaces {key} tokens in url with stringified context values.
// Tokens without a value are kept verbatim; that is not an error condition.
func Substitute(url string, values map[string]any) string {
	return substitute(url, values)
}

func substitute(url string, values map[string]any) string {
	var b strings.Builder
	b.Grow(len(url))
	for i := 0; i < len(url); {
		open := strings.IndexByte(url[i:], '{')
		if open < 0 {
			b.WriteString(url[i:])
			break
		}
		open += i
		closing := strings.IndexByte(url[open:], '}')
		if closing < 0 {
			b.WriteString(url[i:])
			break
		}
		closing += open
		b.WriteString(url[i:open])
		key := url[open+1 : closing]
		if v, ok := values[key]; ok && key != "" {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(url[open : closing+1])
		}
		i = closing + 1
	}
	return b.String()
}
