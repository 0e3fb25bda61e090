package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// Validator is implemented by payloads carrying their own invariants.
type Validator interface {
	Validate() error
}

// Registry maps event types to payload factories. Publishes are validated
// against it, so only registered, well-formed payloads reach the store.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() any)}
}

// Register binds an event type to a payload factory.
func (r *Registry) Register(eventType string, factory func() any) error {
	if eventType == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "event type is required")
	}
	if factory == nil {
		return apierrors.Newf(apierrors.CodeInvalidParam, "nil factory for %s", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[eventType]; exists {
		return apierrors.Newf(apierrors.CodeAlreadyExists, "event type %s already registered", eventType)
	}
	r.factories[eventType] = factory
	return nil
}

// MustRegister panics on registration failure. For boot-time wiring.
func (r *Registry) MustRegister(eventType string, factory func() any) {
	if err := r.Register(eventType, factory); err != nil {
		panic(fmt.Sprintf("event registry: %v", err))
	}
}

// Known reports whether the type has a registered schema.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventType]
	return ok
}

// Types lists registered event types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decode unmarshals the payload into a fresh instance of the registered schema.
func (r *Registry) Decode(evt *Event) (any, error) {
	if evt == nil {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "nil event")
	}

	r.mu.RLock()
	factory, ok := r.factories[evt.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeSchemaUnregistered, "event type %s is not registered", evt.Type)
	}

	payload := factory()
	if err := json.Unmarshal(evt.Payload, payload); err != nil {
		return nil, apierrors.Newf(apierrors.CodeSchemaInvalid, "decode %s payload: %v", evt.Type, err)
	}
	return payload, nil
}

// Validate enforces envelope and payload schema. Called at publish time.
func (r *Registry) Validate(evt *Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	payload, err := r.Decode(evt)
	if err != nil {
		return err
	}
	if v, ok := payload.(Validator); ok {
		if err := v.Validate(); err != nil {
			return apierrors.Newf(apierrors.CodeSchemaInvalid, "payload for %s rejected: %v", evt.Type, err)
		}
	}
	return nil
}
