// internal/collector/registry.go
package collector

import (
	"sync"

	"go.uber.org/zap"

	"sas-collector/internal/transport"
)

// Handler processes every captured response for one command code.
// New command types are added by implementing this interface.
type Handler interface {
	Process(resp *transport.Response)
}

// Registry maps command codes to their stateful handlers. Each
// collector owns its own registry so meter baselines are never shared
// across machines.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With(zap.String("component", "registry")),
	}
}

// Register stores the handler for a command code. Re-registration
// replaces the prior handler.
func (r *Registry) Register(command string, handler Handler) {
	command = transport.NormalizeCommand(command)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = handler
	r.logger.Info("Command handler registered", zap.String("command", command))
}

// Handler returns the handler for a command code
func (r *Registry) Handler(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[transport.NormalizeCommand(command)]
	return handler, ok
}

// Dispatch forwards a response to its handler. Responses for commands
// the operator has not configured are discarded; the machine is free to
// emit codes nobody listens for.
func (r *Registry) Dispatch(resp *transport.Response) {
	if resp == nil {
		return
	}

	handler, ok := r.Handler(resp.Command)
	if !ok {
		r.logger.Debug("No handler for command", zap.String("command", resp.Command))
		return
	}
	handler.Process(resp)
}
