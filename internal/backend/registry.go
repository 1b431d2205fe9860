package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Caller is the dispatcher's view of the authenticated principal.
type Caller struct {
	Username   string
	Groups     []string
	IsAdmin    bool
	IsReadOnly bool
	// HostID is set when the principal is a managed host or depot.
	HostID  string
	IsDepot bool
}

// Call carries one bound method invocation.
type Call struct {
	Method string
	Args   []interface{}
	Kwargs map[string]interface{}
	Caller Caller
	// SelfOnly restricts the call to objects owned by the calling host.
	// Set when the matching ACL entry has kind "self".
	SelfOnly bool
}

// HandlerFunc executes one method call. Handlers run on the blocking
// executor pool.
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, error)

// ParamSpec describes one declared parameter of a method.
type ParamSpec struct {
	Name       string
	HasDefault bool
	Default    interface{}
}

// MethodDescriptor is the registry entry of one RPC method.
type MethodDescriptor struct {
	Name   string
	Params []ParamSpec
	// Varargs accepts surplus positional arguments under this name.
	Varargs string
	// Keywords accepts surplus keyword arguments under this name.
	Keywords          string
	Doc               string
	Deprecated        bool
	AlternativeMethod string
	ACL               []ACLEntry
	Handler           HandlerFunc
}

// MethodSpec is the wire shape returned by backend_getInterface.
type MethodSpec struct {
	Name              string        `json:"name"`
	Params            []string      `json:"params"`
	Args              []string      `json:"args"`
	Varargs           *string       `json:"varargs"`
	Keywords          *string       `json:"keywords"`
	Defaults          []interface{} `json:"defaults"`
	Doc               string        `json:"doc,omitempty"`
	Deprecated        bool          `json:"deprecated"`
	AlternativeMethod string        `json:"alternative_method,omitempty"`
}

// Registry holds the dispatchable method table. Registration happens at
// startup and on reload; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*MethodDescriptor
}

// NewRegistry returns an empty method table.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*MethodDescriptor)}
}

// Register adds a method. Re-registering an existing name replaces it and
// reports true so callers can warn about the override.
func (r *Registry) Register(desc *MethodDescriptor) (overridden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, overridden = r.methods[desc.Name]
	r.methods[desc.Name] = desc
	return overridden
}

// Lookup resolves a method by name.
func (r *Registry) Lookup(name string) (*MethodDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.methods[name]
	return desc, ok
}

// SetACL replaces a method's access vector. The descriptor is cloned so
// dispatches already holding it keep the vector they started with.
func (r *Registry) SetACL(name string, entries []ACLEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.methods[name]
	if !ok {
		return false
	}
	clone := *desc
	clone.ACL = entries
	r.methods[name] = &clone
	return true
}

// Names returns all method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interface returns the wire descriptors of every registered method,
// ordered by name.
func (r *Registry) Interface() []MethodSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]MethodSpec, 0, len(r.methods))
	for _, desc := range r.methods {
		specs = append(specs, desc.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Spec converts the descriptor to its wire shape.
func (d *MethodDescriptor) Spec() MethodSpec {
	spec := MethodSpec{
		Name:              d.Name,
		Doc:               d.Doc,
		Deprecated:        d.Deprecated,
		AlternativeMethod: d.AlternativeMethod,
		Params:            []string{},
		Args:              []string{},
		Defaults:          []interface{}{},
	}
	for _, p := range d.Params {
		name := p.Name
		if p.HasDefault {
			name = "*" + name
			spec.Defaults = append(spec.Defaults, p.Default)
		}
		spec.Params = append(spec.Params, name)
		spec.Args = append(spec.Args, p.Name)
	}
	if d.Varargs != "" {
		spec.Params = append(spec.Params, "*"+d.Varargs)
		v := d.Varargs
		spec.Varargs = &v
	}
	if d.Keywords != "" {
		spec.Params = append(spec.Params, "**"+d.Keywords)
		k := d.Keywords
		spec.Keywords = &k
	}
	return spec
}

// BindPositional maps a positional params array onto the declared
// signature. A trailing mapping is accepted as keyword arguments when the
// method declares a keywords catch-all.
func (d *MethodDescriptor) BindPositional(params []interface{}) (*Call, error) {
	call := &Call{Method: d.Name, Kwargs: map[string]interface{}{}}

	// Trailing map -> keyword arguments.
	if d.Keywords != "" && len(params) > 0 {
		if kw, ok := params[len(params)-1].(map[string]interface{}); ok && len(params) > len(d.Params) {
			for k, v := range kw {
				call.Kwargs[k] = v
			}
			params = params[:len(params)-1]
		}
	}

	if len(params) > len(d.Params) && d.Varargs == "" {
		return nil, BadValuef("method %s takes at most %d arguments (%d given)", d.Name, len(d.Params), len(params))
	}

	required := 0
	for _, p := range d.Params {
		if !p.HasDefault {
			required++
		}
	}
	if len(params) < required {
		return nil, BadValuef("method %s requires %d arguments (%d given)", d.Name, required, len(params))
	}

	call.Args = make([]interface{}, len(d.Params))
	for i, p := range d.Params {
		if i < len(params) {
			call.Args[i] = params[i]
		} else if p.HasDefault {
			call.Args[i] = p.Default
		}
	}
	if d.Varargs != "" && len(params) > len(d.Params) {
		call.Args = append(call.Args, params[len(d.Params):]...)
	}
	return call, nil
}

// BindKeywords maps an object params value onto the declared signature.
func (d *MethodDescriptor) BindKeywords(params map[string]interface{}) (*Call, error) {
	call := &Call{Method: d.Name, Kwargs: map[string]interface{}{}}
	call.Args = make([]interface{}, len(d.Params))

	used := make(map[string]bool, len(params))
	for i, p := range d.Params {
		if v, ok := params[p.Name]; ok {
			call.Args[i] = v
			used[p.Name] = true
		} else if p.HasDefault {
			call.Args[i] = p.Default
		} else {
			return nil, BadValuef("method %s missing required argument %q", d.Name, p.Name)
		}
	}
	for k, v := range params {
		if used[k] {
			continue
		}
		if d.Keywords == "" {
			return nil, BadValuef("method %s got unexpected keyword argument %q", d.Name, k)
		}
		call.Kwargs[k] = v
	}
	return call, nil
}

// Arg returns the bound positional argument by declared name.
func (d *MethodDescriptor) Arg(call *Call, name string) interface{} {
	for i, p := range d.Params {
		if p.Name == name && i < len(call.Args) {
			return call.Args[i]
		}
	}
	return nil
}

// StringArg returns a positional argument coerced to string.
func (d *MethodDescriptor) StringArg(call *Call, name string) string {
	v := d.Arg(call, name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// StringSliceArg returns a positional argument coerced to []string.
func (d *MethodDescriptor) StringSliceArg(call *Call, name string) []string {
	v := d.Arg(call, name)
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	default:
		return []string{fmt.Sprintf("%v", x)}
	}
}

// methodNameValid rejects names that cannot come from legitimate clients.
func methodNameValid(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// ValidateMethodName returns a typed error for malformed method names.
func ValidateMethodName(name string) error {
	if !methodNameValid(name) {
		return BadValuef("invalid method name %q", truncate(name, 64))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
