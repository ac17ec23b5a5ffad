package peripheral

import (
	"log/slog"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
)

// Dispatcher reacts to GAP events on the host event goroutine. It is the
// only writer of the connection handle.
type Dispatcher struct {
	stack      ble.Stack
	state      *ConnectionState
	adv        *Advertiser
	observer   Observer
	connParams *ble.ConnParams
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher wires a dispatcher. connParams, when non-nil, is requested
// after each connect on stacks that implement ble.ConnParamUpdater.
func NewDispatcher(stack ble.Stack, state *ConnectionState, adv *Advertiser, observer Observer, connParams *ble.ConnParams, logger *slog.Logger) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		stack:      stack,
		state:      state,
		adv:        adv,
		observer:   observer,
		connParams: connParams,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleEvent is the ble.EventHandler registered with the stack. It
// always returns 0.
func (d *Dispatcher) HandleEvent(ev ble.Event) int {
	switch e := ev.(type) {
	case ble.SyncEvent:
		d.onSync()
	case ble.ConnectEvent:
		d.onConnect(e)
	case ble.DisconnectEvent:
		d.onDisconnect(e)
	case ble.SubscribeEvent:
		d.logger.Info("[GAP] subscribe",
			"conn", e.Conn,
			"attr", e.Attr,
			"notify", e.Notify,
			"indicate", e.Indicate,
		)
	case ble.MTUEvent:
		d.logger.Info("[GAP] mtu updated", "conn", e.Conn, "mtu", e.MTU)
	case nil:
		d.logger.Warn("[GAP] nil event ignored")
	default:
		d.logger.Debug("[GAP] event ignored", "event", ev.String())
	}
	return 0
}

func (d *Dispatcher) onSync() {
	if !d.adv.Pending() {
		d.logger.Debug("[GAP] host synced")
		return
	}
	if d.state.State() == StateConnected {
		return
	}
	d.logger.Info("[GAP] host synced, retrying advertising")
	d.restart("sync")
}

func (d *Dispatcher) onConnect(e ble.ConnectEvent) {
	if e.Status != ble.StatusOK {
		// A failed connect leaves no handle; advertising is restarted
		// explicitly rather than trusting the stack to resume it.
		d.logger.Warn("[GAP] connect failed", "status", e.Status, "peer", e.PeerAddr)
		if d.state.State() != StateConnected {
			d.restart("connect failed")
		}
		return
	}

	from := d.state.State()
	if err := d.state.setConnected(e.Conn); err != nil {
		d.logger.Warn("[GAP] second central ignored", "conn", e.Conn, "peer", e.PeerAddr, "error", err)
		return
	}
	d.logger.Info("[GAP] connected", "conn", e.Conn, "peer", e.PeerAddr)
	d.emit(from, "connect", e.Conn)
	d.updateConnParams(e.Conn)
}

func (d *Dispatcher) onDisconnect(e ble.DisconnectEvent) {
	if !d.state.dropConn(e.Conn) {
		d.logger.Warn("[GAP] disconnect for unknown connection ignored", "conn", e.Conn, "reason", e.Reason)
		return
	}
	d.logger.Info("[GAP] disconnected", "conn", e.Conn, "reason", e.Reason)
	d.startAdvertising("disconnect")
	d.emit(StateConnected, "disconnect", e.Conn)
}

// restart starts advertising and reports the resulting transition.
func (d *Dispatcher) restart(cause string) {
	from := d.state.State()
	d.startAdvertising(cause)
	d.emit(from, cause, 0)
}

// startAdvertising leaves the advertiser pending for the next sync on
// failure. The advertiser logs the failure itself.
func (d *Dispatcher) startAdvertising(cause string) {
	if err := d.adv.Start(); err != nil {
		d.logger.Debug("[GAP] advertising restart failed", "cause", cause, "class", ble.Classify(err).String(), "error", err)
	}
}

func (d *Dispatcher) emit(from State, cause string, conn ble.ConnHandle) {
	d.observer.OnTransition(Transition{
		From:  from,
		To:    d.state.State(),
		Cause: cause,
		Conn:  conn,
		At:    d.now(),
	})
}

func (d *Dispatcher) updateConnParams(conn ble.ConnHandle) {
	if d.connParams == nil {
		return
	}
	u, ok := d.stack.(ble.ConnParamUpdater)
	if !ok {
		d.logger.Debug("[GAP] stack cannot update connection parameters")
		return
	}
	if err := u.UpdateConnParams(conn, *d.connParams); err != nil {
		d.logger.Warn("[GAP] connection parameter update failed", "conn", conn, "error", err)
	}
}
