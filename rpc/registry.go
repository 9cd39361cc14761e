package rpc

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Type describes a payload type a Conn can decode. It is built once per Go
// type by TypeOf, so decoding never needs reflection at dispatch time.
type Type struct {
	// Name is the fully qualified type name, before abbreviation.
	Name string

	// New returns a pointer to a new zero value of the type.
	New func() interface{}
}

// TypeOf returns the Type describing T.
func TypeOf[T any]() *Type {
	return &Type{
		Name: TypeName[T](),
		New:  func() interface{} { return new(T) },
	}
}

// TypeName returns the fully qualified name T is sent under, e.g.
// "github.com/luma/tether/service.GetRequest".
func TypeName[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}

// HandlerFunc processes one decoded inbound payload. Command handlers return
// a nil response.
type HandlerFunc func(payload interface{}) (response interface{}, err error)

// Registration binds a payload type to the handler for it.
type Registration struct {
	Payload *Type

	// Response is nil for commands, which never get a reply.
	Response *Type

	Invoke     HandlerFunc
	LogEnabled bool
}

// Call runs the handler. A handler that fails or panics never takes the
// connection down with it, the failure comes back as a *RemoteError with
// CodeHandlerException.
func (r *Registration) Call(payload interface{}) (response interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			response = nil
			err = &RemoteError{
				Code:    CodeHandlerException,
				Message: fmt.Sprintf("Handler for %s panicked: %v", r.Payload.Name, p),
			}
		}
	}()

	response, err = r.Invoke(payload)
	if err != nil {
		return nil, &RemoteError{Code: CodeHandlerException, Message: err.Error()}
	}

	return response, nil
}

// Registry maps type names to the types a Conn knows how to decode and to the
// handlers for them. A type can be known without having a handler, messages
// of such a type are reported as unhandled rather than unknown.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*Type
	handlers map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]*Type),
		handlers: make(map[string]*Registration),
	}
}

// RegisterType makes t resolvable. Registering the same name again is a no-op.
func (r *Registry) RegisterType(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[t.Name]; !ok {
		r.types[t.Name] = t
	}
}

// Resolve returns the Type registered under name.
func (r *Registry) Resolve(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	return t, ok
}

// Register adds a handler. Registering a second handler for the same payload
// type fails with ErrDuplicateHandler and leaves the first one in place.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.Invoke == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := reg.Payload.Name
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("Failed to register %s: %w", name, ErrDuplicateHandler)
	}

	r.handlers[name] = reg

	if _, ok := r.types[name]; !ok {
		r.types[name] = reg.Payload
	}

	return nil
}

// Remove drops the handler for name. The type stays resolvable. It reports
// whether a handler was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; !ok {
		return false
	}

	delete(r.handlers, name)
	return true
}

// Lookup returns the handler registered for name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	return reg, ok
}

// Dispatch runs the handler registered for name. A missing handler is
// reported as CodeUnhandledType.
func (r *Registry) Dispatch(name string, payload interface{}) (interface{}, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("No handler for %s: %w", name, CodeUnhandledType)
	}

	return reg.Call(payload)
}

// Names returns the payload type names that have a handler, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
