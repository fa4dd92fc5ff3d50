package batch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/exception"
)

// Factory builds a batch. It is called once at registration.
type Factory func() Batch

// Method is a model method callable through async_method_execution.
type Method func(ctx context.Context, ids []int64, args json.RawMessage) (interface{}, error)

// Registry maps batch names to their implementation. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	res *config.Resolver

	mu      sync.RWMutex
	batches map[string]Batch
	methods map[string]Method
}

func NewRegistry(res *config.Resolver) *Registry {
	return &Registry{res: res, batches: map[string]Batch{}, methods: map[string]Method{}}
}

// Register adds the batch built by f under name and declares its built-in
// configuration on the resolver.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return exception.InvalidArgument("register", "name and factory are required")
	}
	b := f()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.batches[name]; dup {
		return errors.Errorf("batch %q already registered", name)
	}
	r.batches[name] = b
	if r.res != nil {
		r.res.Declare(name, builtins(r.res, b))
	}
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

func builtins(res *config.Resolver, b Batch) map[string]string {
	items := config.DefaultItems(res.LogDir(), res.SplitSize())
	if IsNoSelect(b) {
		items = config.NoSelectItems(res.LogDir(), res.SplitSize())
	}
	if c, ok := b.(Configurer); ok {
		for k, v := range c.Configuration() {
			items[k] = v
		}
	}
	return items
}

// Lookup returns the batch registered under name.
func (r *Registry) Lookup(name string) (Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[name]
	if !ok {
		return nil, exception.InvalidArgument("lookup", "unknown batch %q", name)
	}
	return b, nil
}

// Names lists registered batches in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.batches))
	for name := range r.batches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterMethod exposes fn as model.method.
func (r *Registry) RegisterMethod(model, method string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[model+"."+method] = fn
}

// Method returns the model method registered as model.method.
func (r *Registry) Method(model, method string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.methods[model+"."+method]
	if !ok {
		return nil, exception.InvalidArgument("method", "unknown method %s.%s", model, method)
	}
	return fn, nil
}
