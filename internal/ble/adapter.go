// Package ble is the boundary between the peripheral core and a BLE host
// stack. It defines the host stack contract, the closed set of GAP events the
// stack delivers, the GATT declaration types, the notification buffer pool
// and the host status codes. Two stacks implement the contract: BlueZStack
// (tinygo.org/x/bluetooth on Linux) and SimStack (in-memory, for tests and
// demos).
package ble

// EventHandler is the single callback the host stack invokes for every GAP
// event. It runs on the stack's processing context and must not block.
// The return value is handed back to the stack; 0 means continue.
type EventHandler func(ev Event) int

// Stack abstracts the BLE host stack.
type Stack interface {
	// Init starts the host and registers the GAP event handler.
	Init(handler EventHandler) error
	// AttributeCapacity reports how many attributes the stack's table can hold.
	AttributeCapacity() int
	// RegisterServices installs desc and returns the runtime value handles.
	RegisterServices(desc ServiceDescriptor) (HandleTable, error)
	// StartAdvertising begins undirected advertising. Returns ErrBusy while
	// the host is resetting.
	StartAdvertising(params AdvertisingParameters) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
	// Notify queues om as a notification of attr on conn. On success the
	// stack owns om and frees it after transmission; on error the caller
	// still owns om.
	Notify(conn ConnHandle, attr AttrHandle, om *Mbuf) error
	// Close shuts the host down.
	Close() error
}

// ConnParams are the connection parameters requested after a central
// connects. Intervals are in 1.25 ms units, the timeout in 10 ms units.
type ConnParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// ConnParamUpdater is implemented by stacks that can request a connection
// parameter update. The call must not block.
type ConnParamUpdater interface {
	UpdateConnParams(conn ConnHandle, params ConnParams) error
}

// ConnMode is the GAP connectable mode used while advertising.
type ConnMode int

const (
	ConnModeNon ConnMode = iota // non-connectable
	ConnModeDir                 // directed connectable
	ConnModeUnd                 // undirected connectable
)

func (m ConnMode) String() string {
	switch m {
	case ConnModeNon:
		return "non"
	case ConnModeDir:
		return "directed"
	case ConnModeUnd:
		return "undirected"
	}
	return "unknown"
}

// DiscMode is the GAP discoverable mode used while advertising.
type DiscMode int

const (
	DiscModeNon DiscMode = iota // non-discoverable
	DiscModeLtd                 // limited discoverable
	DiscModeGen                 // general discoverable
)

func (m DiscMode) String() string {
	switch m {
	case DiscModeNon:
		return "non"
	case DiscModeLtd:
		return "limited"
	case DiscModeGen:
		return "general"
	}
	return "unknown"
}

// AdvertisingParameters configure one advertising session. Intervals are in
// 0.625 ms units, the way the controller takes them.
type AdvertisingParameters struct {
	ConnMode    ConnMode
	DiscMode    DiscMode
	IntervalMin uint16
	IntervalMax uint16
	LocalName   string
}

// DefaultAdvertisingParameters returns undirected, general-discoverable
// advertising at 20-40 ms.
func DefaultAdvertisingParameters(name string) AdvertisingParameters {
	return AdvertisingParameters{
		ConnMode:    ConnModeUnd,
		DiscMode:    DiscModeGen,
		IntervalMin: 0x20,
		IntervalMax: 0x40,
		LocalName:   name,
	}
}
