// Package peripheral is the single-connection GATT peripheral core: the
// connection state tracker, the service registry, the advertiser, the GAP
// event dispatcher and the periodic notifier.
package peripheral

import (
	"fmt"
	"sync"

	"github.com/chaz8081/blehello/internal/ble"
)

// State is the peripheral lifecycle state.
type State int

const (
	StateIdle        State = iota // no advertising, no connection
	StateAdvertising              // broadcasting, awaiting a central
	StateConnected                // one central attached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is a consistent read of ConnectionState.
type Snapshot struct {
	State   State
	Conn    ble.ConnHandle
	HasConn bool
	Char    ble.AttrHandle
	HasChar bool
}

// Ready reports whether a notification can be attempted.
func (s Snapshot) Ready() bool { return s.HasConn && s.HasChar }

// ConnectionState holds the current connection handle and the notify
// characteristic's value handle. The dispatcher is the only writer of the
// connection fields; the characteristic handle is set once at registration.
type ConnectionState struct {
	mu      sync.RWMutex
	state   State
	conn    ble.ConnHandle
	hasConn bool
	char    ble.AttrHandle
	hasChar bool
}

// NewConnectionState returns an Idle state with no handles.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{}
}

// Snapshot returns all fields under one read lock.
func (c *ConnectionState) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:   c.state,
		Conn:    c.conn,
		HasConn: c.hasConn,
		Char:    c.char,
		HasChar: c.hasChar,
	}
}

// State returns the lifecycle state.
func (c *ConnectionState) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetCharHandle records the notify characteristic's value handle. It can
// only be set once.
func (c *ConnectionState) SetCharHandle(h ble.AttrHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasChar {
		return fmt.Errorf("peripheral: characteristic handle already set to %d: %w", c.char, ble.ErrInvalidState)
	}
	c.char = h
	c.hasChar = true
	return nil
}

// setAdvertising moves to Advertising. A connection that arrived while
// the start was in flight is kept.
func (c *ConnectionState) setAdvertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasConn {
		return false
	}
	c.state = StateAdvertising
	return true
}

// setIdle moves to Idle unless a connection is held.
func (c *ConnectionState) setIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasConn {
		return false
	}
	c.state = StateIdle
	return true
}

// setConnected stores conn and moves to Connected. It fails if a
// connection is already held.
func (c *ConnectionState) setConnected(conn ble.ConnHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasConn {
		return fmt.Errorf("peripheral: already connected on %d: %w", c.conn, ble.ErrInvalidState)
	}
	c.conn = conn
	c.hasConn = true
	c.state = StateConnected
	return nil
}

// dropConn clears conn and moves to Advertising if conn is the current
// connection, and reports whether it was. The caller restarts advertising
// next; a failed start drops the state to Idle. The handle and the state
// change together so no reader sees a handle outside Connected.
func (c *ConnectionState) dropConn(conn ble.ConnHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasConn || c.conn != conn {
		return false
	}
	c.conn = 0
	c.hasConn = false
	c.state = StateAdvertising
	return true
}
