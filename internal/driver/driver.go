// Package driver implements the capability drivers an executable packet's
// ops dispatch to: http, kv, notify, transform, wait, and llm. Drivers are
// registered by namespace in a Registry, which the interpreter uses as its
// dispatcher.
package driver

import (
	"context"
	"fmt"
	"sort"
)

// Driver handles every method of one namespace.
type Driver interface {
	Name() string
	Call(ctx context.Context, method string, args map[string]any) (map[string]any, error)
}

// Registry routes namespace.method calls to registered drivers.
type Registry struct {
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Name()] = d
	}
	return r
}

// Register adds or replaces a driver, with optional extra namespaces
// (e.g. "local" as an alias for "kv").
func (r *Registry) Register(d Driver, aliases ...string) {
	r.drivers[d.Name()] = d
	for _, alias := range aliases {
		r.drivers[alias] = d
	}
}

// Namespaces lists the registered driver namespaces, sorted.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.drivers))
	for ns := range r.drivers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Dispatch satisfies the interpreter's Dispatcher interface.
func (r *Registry) Dispatch(ctx context.Context, namespace, method string, args map[string]any) (map[string]any, error) {
	d, ok := r.drivers[namespace]
	if !ok {
		return nil, fmt.Errorf("unknown driver namespace: %s", namespace)
	}
	if args == nil {
		args = map[string]any{}
	}
	return d.Call(ctx, method, args)
}

func unknownMethod(namespace, method string) error {
	return fmt.Errorf("unknown %s method: %s", namespace, method)
}

// arg helpers shared by the drivers; executable-packet args arrive as
// decoded JSON, so numbers are float64 and everything is optional.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func listArg(args map[string]any, key string) ([]any, bool) {
	l, ok := args[key].([]any)
	return l, ok
}
