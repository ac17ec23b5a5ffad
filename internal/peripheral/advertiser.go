package peripheral

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blehello/internal/ble"
)

// Advertiser starts and stops undirected, general-discoverable advertising.
// A start that fails is never retried in a loop: it is marked pending and
// the dispatcher retries on the next SyncEvent.
type Advertiser struct {
	stack    ble.Stack
	state    *ConnectionState
	registry *Registry
	params   ble.AdvertisingParameters
	logger   *slog.Logger

	mu       sync.Mutex
	pending  bool
	attempts int
	starts   int
}

// NewAdvertiser creates an advertiser. params are re-read on every start.
func NewAdvertiser(stack ble.Stack, state *ConnectionState, registry *Registry, params ble.AdvertisingParameters, logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{
		stack:    stack,
		state:    state,
		registry: registry,
		params:   params,
		logger:   logger,
	}
}

// Start begins advertising. An already-advertising stack counts as
// success. On failure the state is Idle and a restart is pending.
func (a *Advertiser) Start() error {
	if a.state.State() == StateConnected {
		return fmt.Errorf("peripheral: start advertising while connected: %w", ble.ErrInvalidState)
	}
	if a.registry != nil {
		a.registry.seal()
	}

	a.mu.Lock()
	a.attempts++
	params := a.params
	a.mu.Unlock()

	err := a.stack.StartAdvertising(params)
	if err != nil && ble.StatusCode(err) != ble.StatusEAlready {
		a.mu.Lock()
		a.pending = true
		a.mu.Unlock()
		a.state.setIdle()
		if errors.Is(err, ble.ErrBusy) {
			a.logger.Warn("[GAP] advertising deferred until host sync", "status", ble.StatusCode(err), "error", err)
		} else {
			a.logger.Error("[GAP] advertising start failed", "status", ble.StatusCode(err), "class", ble.Classify(err).String(), "error", err)
		}
		return fmt.Errorf("peripheral: start advertising: %w", err)
	}

	a.mu.Lock()
	a.pending = false
	a.starts++
	a.mu.Unlock()
	a.state.setAdvertising()
	a.logger.Info("[GAP] advertising",
		"name", params.LocalName,
		"conn_mode", params.ConnMode.String(),
		"disc_mode", params.DiscMode.String(),
		"itvl_min", params.IntervalMin,
		"itvl_max", params.IntervalMax,
	)
	return nil
}

// Stop stops advertising and drops any pending restart.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	a.pending = false
	a.mu.Unlock()

	err := a.stack.StopAdvertising()
	if a.state.State() == StateAdvertising {
		a.state.setIdle()
	}
	if err != nil && ble.StatusCode(err) != ble.StatusEAlready {
		return fmt.Errorf("peripheral: stop advertising: %w", err)
	}
	return nil
}

// Pending reports whether a failed start awaits the next sync.
func (a *Advertiser) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Attempts counts StartAdvertising calls made, successful or not.
func (a *Advertiser) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Starts counts successful starts.
func (a *Advertiser) Starts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

// Params returns the advertising parameters.
func (a *Advertiser) Params() ble.AdvertisingParameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}
