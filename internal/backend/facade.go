// Package backend is the RPC method facade: a registry of method
// descriptors with ACL vectors, executed on a bounded pool in front of the
// relational object store.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
)

// Facade exposes the dispatchable method surface.
type Facade struct {
	registry  *Registry
	store     *sqlstore.Store
	logger    *zap.Logger
	executor  *semaphore.Weighted
	licensing *licensingCache
	version   string
	nodeName  string
}

// Options configures the facade.
type Options struct {
	// ExecutorWorkers bounds concurrently running backend calls.
	ExecutorWorkers int
	// LicenseFile is the on-disk licensing state.
	LicenseFile string
	Version     string
	NodeName    string
}

// New builds the facade, registers the built-in methods and applies all
// registered extensions.
func New(store *sqlstore.Store, logger *zap.Logger, opts Options) *Facade {
	if opts.ExecutorWorkers < 1 {
		opts.ExecutorWorkers = 10
	}
	f := &Facade{
		registry:  NewRegistry(),
		store:     store,
		logger:    logger,
		executor:  semaphore.NewWeighted(int64(opts.ExecutorWorkers)),
		licensing: newLicensingCache(opts.LicenseFile),
		version:   opts.Version,
		nodeName:  opts.NodeName,
	}
	f.registerBuiltins()
	f.LoadExtensions()
	return f
}

// Registry exposes the method table.
func (f *Facade) Registry() *Registry {
	return f.registry
}

// ReloadMethods rebuilds the method table: built-ins, extensions, then
// the ACL override file. Run on SIGHUP so changed extension state and
// edited overrides take effect without a restart.
func (f *Facade) ReloadMethods(aclFile string) error {
	f.registerBuiltins()
	f.LoadExtensions()
	return f.LoadACLOverrides(aclFile)
}

// Store exposes the object store for collaborators (auth, setup).
func (f *Facade) Store() *sqlstore.Store {
	return f.store
}

// Interface returns the wire descriptors of all methods.
func (f *Facade) Interface() []MethodSpec {
	return f.registry.Interface()
}

// Execute runs a bound call on the executor pool. The pool keeps blocking
// backend work from starving the event loop.
func (f *Facade) Execute(ctx context.Context, desc *MethodDescriptor, call *Call) (interface{}, error) {
	if err := f.executor.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire executor: %w", err)
	}
	defer f.executor.Release(1)

	start := time.Now()
	result, err := desc.Handler(ctx, call)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		f.logger.Warn("Slow backend call",
			zap.String("method", desc.Name),
			zap.Duration("duration", elapsed),
		)
	}
	return result, err
}

// Dispatch looks a method up, binds its params, enforces its ACL vector
// and executes it. Positional params bind from a slice, keyword params
// from a map; nil binds an empty positional list.
func (f *Facade) Dispatch(ctx context.Context, method string, params interface{}, caller Caller) (interface{}, error) {
	if err := ValidateMethodName(method); err != nil {
		return nil, err
	}
	desc, ok := f.registry.Lookup(method)
	if !ok {
		return nil, NotFoundf("method %q not found", method)
	}

	var (
		call *Call
		err  error
	)
	switch p := params.(type) {
	case nil:
		call, err = desc.BindPositional(nil)
	case []interface{}:
		call, err = desc.BindPositional(p)
	case map[string]interface{}:
		call, err = desc.BindKeywords(p)
	default:
		return nil, BadValuef("params must be an array or object, got %T", params)
	}
	if err != nil {
		return nil, err
	}

	decision, err := EvaluateACL(desc.ACL, caller)
	if err != nil {
		return nil, err
	}
	call.Caller = caller
	call.SelfOnly = decision.SelfOnly

	result, err := f.Execute(ctx, desc, call)
	if err != nil {
		return nil, err
	}
	return FilterAttributes(result, decision), nil
}
