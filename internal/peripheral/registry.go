package peripheral

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blehello/internal/ble"
)

// Registry installs the service table exactly once, before advertising.
type Registry struct {
	stack  ble.Stack
	state  *ConnectionState
	logger *slog.Logger

	mu         sync.Mutex
	registered bool
	sealed     bool
	desc       ble.ServiceDescriptor
	table      ble.HandleTable
}

// NewRegistry creates a registry that installs into stack and records the
// notify handle in state.
func NewRegistry(stack ble.Stack, state *ConnectionState, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{stack: stack, state: state, logger: logger}
}

// Register validates desc, installs it and resolves the notify
// characteristic's value handle. A second call, or a call after
// advertising has started, fails with ble.ErrInvalidState.
func (r *Registry) Register(desc ble.ServiceDescriptor) (ble.HandleTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered || r.sealed {
		err := fmt.Errorf("peripheral: register services (registered=%t advertising=%t): %w", r.registered, r.sealed, ble.ErrInvalidState)
		r.logger.Error("[GATT] services already registered", "error", err)
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("peripheral: register services: %w", err)
	}
	if need, have := desc.AttributeCount(), r.stack.AttributeCapacity(); need > have {
		return nil, fmt.Errorf("peripheral: register services: need %d attributes, stack holds %d: %w", need, have, ble.ErrCapacityExceeded)
	}

	table, err := r.stack.RegisterServices(desc)
	if err != nil {
		return nil, fmt.Errorf("peripheral: register services: %w", err)
	}

	target, _ := desc.NotifyTarget()
	h, ok := table.Lookup(target.UUID)
	if !ok || h == 0 {
		return nil, fmt.Errorf("peripheral: stack returned no handle for %s: %w", target.UUID, ble.ErrInvalidState)
	}
	if err := r.state.SetCharHandle(h); err != nil {
		return nil, err
	}

	r.registered = true
	r.desc = desc
	r.table = table
	r.logger.Info("[GATT] services registered",
		"service", desc.UUID.String(),
		"characteristic", target.UUID.String(),
		"handle", h,
		"attributes", desc.AttributeCount(),
	)
	return table, nil
}

// seal forbids registration from now on; called when advertising begins.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Registered reports whether services have been installed.
func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Table returns the handle table, or nil before registration.
func (r *Registry) Table() ble.HandleTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table
}
