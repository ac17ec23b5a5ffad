package ble

import "fmt"

// ConnHandle identifies a live connection. 0 is a valid handle.
type ConnHandle uint16

// AttrHandle identifies an attribute in the GATT table. 0 is never assigned.
type AttrHandle uint16

// Event is one GAP event delivered by the host stack. The set is closed:
// SyncEvent, ConnectEvent, DisconnectEvent, SubscribeEvent, MTUEvent and
// OtherEvent.
type Event interface {
	isEvent()
	fmt.Stringer
}

// SyncEvent reports that the host and controller are in sync, at startup
// and after every host reset.
type SyncEvent struct{}

// ConnectEvent reports the outcome of a connection attempt.
// Status is 0 on success; Conn is only meaningful then.
type ConnectEvent struct {
	Status   int
	Conn     ConnHandle
	PeerAddr string
}

// DisconnectEvent reports that Conn went away. Reason is an HCI reason code.
type DisconnectEvent struct {
	Conn   ConnHandle
	Reason int
}

// SubscribeEvent reports a CCCD write by the central.
type SubscribeEvent struct {
	Conn     ConnHandle
	Attr     AttrHandle
	Notify   bool
	Indicate bool
}

// MTUEvent reports the negotiated ATT MTU for Conn.
type MTUEvent struct {
	Conn ConnHandle
	MTU  int
}

// OtherEvent carries any GAP event the core has no use for.
type OtherEvent struct {
	Kind string
}

func (SyncEvent) isEvent()       {}
func (ConnectEvent) isEvent()    {}
func (DisconnectEvent) isEvent() {}
func (SubscribeEvent) isEvent()  {}
func (MTUEvent) isEvent()        {}
func (OtherEvent) isEvent()      {}

func (SyncEvent) String() string { return "sync" }

func (e ConnectEvent) String() string {
	if e.Status != StatusOK {
		return fmt.Sprintf("connect(status=%d)", e.Status)
	}
	return fmt.Sprintf("connect(conn=%d peer=%s)", e.Conn, e.PeerAddr)
}

func (e DisconnectEvent) String() string {
	return fmt.Sprintf("disconnect(conn=%d reason=0x%02x)", e.Conn, e.Reason)
}

func (e SubscribeEvent) String() string {
	return fmt.Sprintf("subscribe(conn=%d attr=%d notify=%t indicate=%t)", e.Conn, e.Attr, e.Notify, e.Indicate)
}

func (e MTUEvent) String() string {
	return fmt.Sprintf("mtu(conn=%d mtu=%d)", e.Conn, e.MTU)
}

func (e OtherEvent) String() string {
	return "other(" + e.Kind + ")"
}
