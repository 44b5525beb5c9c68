package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-watch/contracts"
)

var (
	// ErrTypeNotRegistered is returned for an envelope type nobody registered
	ErrTypeNotRegistered = errors.New("serialization: type not registered")
	// ErrNotAMessage is returned when a registered type does not implement contracts.Message
	ErrNotAMessage = errors.New("serialization: type does not implement contracts.Message")
)

// TypeRegistry maps envelope type names to Go message types.
// It is safe for concurrent use.
type TypeRegistry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register registers msgType under typeName. A pointer to the struct must
// implement contracts.Message.
func (r *TypeRegistry) Register(typeName string, msgType interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	if !reflect.PointerTo(t).Implements(reflect.TypeOf((*contracts.Message)(nil)).Elem()) {
		return fmt.Errorf("%w: %v", ErrNotAMessage, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	return nil
}

// New returns a pointer to a zero value of the type registered as typeName
func (r *TypeRegistry) New(typeName string) (contracts.Message, error) {
	r.mu.RLock()
	t, exists := r.types[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, typeName)
	}
	return reflect.New(t).Interface().(contracts.Message), nil
}

// IsRegistered checks if a type is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}
