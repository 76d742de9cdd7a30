package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrActionNotFound — ключ действия не зарегистрирован.
var ErrActionNotFound = errors.New("action not found")

// Registry — реестр действий по ключу.
//
// Наполняется при старте процесса; потокобезопасен.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// DefaultRegistry создаёт реестр со служебными builtin-действиями.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(NewDelayAction())
	r.Register(NewProbeAction())
	r.Register(NewThrottleWaitAction())

	return r
}

// Register регистрирует действие в реестре.
// Действие с уже занятым ключом перезаписывается.
func (r *Registry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Key()] = action
}

// Get возвращает действие по ключу.
// Возвращает ErrActionNotFound, если ключ не зарегистрирован.
func (r *Registry) Get(key string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, exists := r.actions[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, key)
	}

	return action, nil
}

// Has проверяет, зарегистрирован ли ключ.
// Используется при создании step для раннего отклонения опечаток.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.actions[key]
	return exists
}

// Keys возвращает отсортированный список зарегистрированных ключей.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.actions))
	for k := range r.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
