package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrMethodNotFound  = errors.New("method not found")
	ErrInvalidMethod   = errors.New("invalid method signature")
	ErrDuplicate       = errors.New("service already registered")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// ServiceRegistry manages registered services and methods
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// Service represents a registered service
type Service struct {
	Name    string
	Value   reflect.Value
	Methods map[string]*Method
}

// Method represents a service method
type Method struct {
	Name      string
	Func      reflect.Value
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// NewArg allocates a zero argument for the method.
func (m *Method) NewArg() interface{} {
	return reflect.New(m.ArgType).Interface()
}

// NewRegistry creates a new service registry
func NewRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]*Service),
	}
}

// Register registers a service
// The service must have exported methods with signature:
//
//	func (s *Service) MethodName(ctx context.Context, arg *ArgType) (*ReplyType, error)
//
// Methods with other signatures are ignored. A service with no usable
// method is rejected.
func (r *ServiceRegistry) Register(serviceName string, service interface{}) error {
	typ := reflect.TypeOf(service)
	svc := &Service{
		Name:    serviceName,
		Value:   reflect.ValueOf(service),
		Methods: make(map[string]*Method),
	}

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if m, ok := inspect(method); ok {
			svc.Methods[method.Name] = m
		}
	}
	if len(svc.Methods) == 0 {
		return fmt.Errorf("%w: %s has no callable methods", ErrInvalidMethod, serviceName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, serviceName)
	}
	r.services[serviceName] = svc
	return nil
}

// inspect checks func (receiver, context.Context, *arg) (*reply, error).
func inspect(method reflect.Method) (*Method, bool) {
	mtype := method.Type
	if method.PkgPath != "" || mtype.NumIn() != 3 || mtype.NumOut() != 2 {
		return nil, false
	}
	if !mtype.In(1).Implements(contextType) {
		return nil, false
	}
	argType, replyType := mtype.In(2), mtype.Out(0)
	if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
		return nil, false
	}
	if !mtype.Out(1).Implements(errorType) {
		return nil, false
	}
	return &Method{
		Name:      method.Name,
		Func:      method.Func,
		ArgType:   argType.Elem(),
		ReplyType: replyType.Elem(),
	}, true
}

// GetService returns a registered service
func (r *ServiceRegistry) GetService(name string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc, nil
}

// GetMethod returns a method from a service
func (r *ServiceRegistry) GetMethod(serviceName, methodName string) (*Service, *Method, error) {
	svc, err := r.GetService(serviceName)
	if err != nil {
		return nil, nil, err
	}

	method, ok := svc.Methods[methodName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, serviceName, methodName)
	}

	return svc, method, nil
}

// Call invokes a registered method
func (r *ServiceRegistry) Call(ctx context.Context, serviceName, methodName string, arg interface{}) (interface{}, error) {
	svc, method, err := r.GetMethod(serviceName, methodName)
	if err != nil {
		return nil, err
	}

	argVal := reflect.ValueOf(arg)
	if argVal.Type() != reflect.PtrTo(method.ArgType) {
		return nil, fmt.Errorf("invalid argument type: expected %v, got %v",
			reflect.PtrTo(method.ArgType), argVal.Type())
	}

	out := method.Func.Call([]reflect.Value{svc.Value, reflect.ValueOf(ctx), argVal})
	if errVal := out[1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	return out[0].Interface(), nil
}

// ListServices returns all registered service names, sorted
func (r *ServiceRegistry) ListServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListMethods returns all methods for a service, sorted
func (r *ServiceRegistry) ListMethods(serviceName string) ([]string, error) {
	svc, err := r.GetService(serviceName)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(svc.Methods))
	for name := range svc.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
