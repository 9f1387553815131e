package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lumi-retreat/lumi/pkg/api"
)

type handlerRegistry struct {
	mu      sync.RWMutex
	byID    map[string]api.HandlerDefinition
	byEvent map[api.EventName][]string
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		byID:    make(map[string]api.HandlerDefinition),
		byEvent: make(map[api.EventName][]string),
	}
}

func (r *handlerRegistry) Register(def api.HandlerDefinition) error {
	if def.ID == "" {
		return errors.New("handler id is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("handler %q has no function", def.ID)
	}
	if !api.KnownEvent(def.Event) {
		return fmt.Errorf("handler %q: unknown event %q", def.ID, def.Event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("handler %q already registered", def.ID)
	}
	r.byID[def.ID] = def
	r.byEvent[def.Event] = append(r.byEvent[def.Event], def.ID)
	return nil
}

func (r *handlerRegistry) Get(id string) (api.HandlerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	return def, ok
}

// ForEvent returns the handlers registered for name in registration order.
func (r *handlerRegistry) ForEvent(name api.EventName) []api.HandlerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byEvent[name]
	defs := make([]api.HandlerDefinition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, r.byID[id])
	}
	return defs
}
