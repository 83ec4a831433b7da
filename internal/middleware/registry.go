package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"trellis/internal/metrics"
	logx "trellis/pkg/logx"
)

var (
	ErrUnknownMiddleware = errors.New("unknown middleware")
	ErrGroupCycle        = errors.New("middleware group cycle")
	ErrUnsupportedEntry  = errors.New("unsupported inline middleware")
)

// Middleware wraps an http.Handler. It is the same shape chi uses.
type Middleware func(next http.Handler) http.Handler

// Factory builds a Middleware from the parameters of a reference
// ("throttle:60,1m" calls the throttle factory with ["60", "1m"]).
type Factory func(args []string) (Middleware, error)

// Chain wraps h so that m[0] runs first.
func Chain(h http.Handler, m ...Middleware) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] != nil {
			h = m[i](h)
		}
	}
	return h
}

// Registry maps aliases to factories, holds middleware groups and the
// priority list. It is safe for concurrent use; groups and priority may be
// swapped at runtime (config reload) and apply to pipelines built afterwards.
type Registry struct {
	mu       sync.RWMutex
	aliases  map[string]Factory
	groups   map[string][]string
	priority []string
	log      logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		aliases: map[string]Factory{},
		groups:  map[string][]string{},
		log:     log,
	}
}

// Alias registers (or replaces) a factory under name.
func (r *Registry) Alias(name string, f Factory) {
	r.mu.Lock()
	r.aliases[name] = f
	r.mu.Unlock()
}

// Aliases returns the registered alias names, sorted.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.aliases))
	for name := range r.aliases {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) SetGroups(groups map[string][]string) {
	cp := make(map[string][]string, len(groups))
	for k, v := range groups {
		cp[k] = append([]string(nil), v...)
	}
	r.mu.Lock()
	r.groups = cp
	r.mu.Unlock()
}

func (r *Registry) SetPriority(priority []string) {
	r.mu.Lock()
	r.priority = append([]string(nil), priority...)
	r.mu.Unlock()
}

func (r *Registry) Priority() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.priority...)
}

// Resolve expands groups, drops repeated references (first wins) and orders
// the result by the priority list. Opaque entries pass through untouched.
func (r *Registry) Resolve(entries ...Entry) ([]Entry, error) {
	r.mu.RLock()
	groups := r.groups
	priority := r.priority
	r.mu.RUnlock()

	flat := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var err error
		flat, err = expand(groups, e, flat, nil)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(flat))
	uniq := flat[:0]
	for _, e := range flat {
		if e.IsNamed() {
			if _, dup := seen[e.Ref()]; dup {
				continue
			}
			seen[e.Ref()] = struct{}{}
		}
		uniq = append(uniq, e)
	}
	return SortByPriority(priority, uniq), nil
}

// expand appends e to out, replacing group references by their members.
// Group names are matched on the full reference (groups take no parameters).
func expand(groups map[string][]string, e Entry, out []Entry, stack []string) ([]Entry, error) {
	if !e.IsNamed() {
		return append(out, e), nil
	}
	members, ok := groups[e.Ref()]
	if !ok {
		return append(out, e), nil
	}
	for _, s := range stack {
		if s == e.Ref() {
			return nil, fmt.Errorf("%w: %s", ErrGroupCycle, strings.Join(append(stack, e.Ref()), " -> "))
		}
	}
	stack = append(stack, e.Ref())
	for _, m := range members {
		var err error
		out, err = expand(groups, Named(m), out, stack)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Build resolves entries and wraps final with the resulting pipeline.
func (r *Registry) Build(final http.Handler, entries ...Entry) (http.Handler, error) {
	mws, err := r.Pipeline(entries...)
	if err != nil {
		metrics.PipelineBuildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PipelineBuildsTotal.WithLabelValues("ok").Inc()
	return Chain(final, mws...), nil
}

// Pipeline resolves entries and instantiates them, in execution order.
func (r *Registry) Pipeline(entries ...Entry) ([]Middleware, error) {
	resolved, err := r.Resolve(entries...)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	aliases := r.aliases
	r.mu.RUnlock()

	out := make([]Middleware, 0, len(resolved))
	for _, e := range resolved {
		if !e.IsNamed() {
			m, err := inline(e.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			continue
		}
		name, _ := e.Name()
		r.mu.RLock()
		f, ok := aliases[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMiddleware, name)
		}
		m, err := f(e.Args())
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", e.Ref(), err)
		}
		out = append(out, m)
	}
	r.log.Debug("middleware pipeline built", logx.Strings("order", refs(resolved)))
	return out, nil
}

func inline(v any) (Middleware, error) {
	switch m := v.(type) {
	case Middleware:
		return m, nil
	case func(http.Handler) http.Handler:
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedEntry, v)
	}
}

func refs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}
