package peripheral

import (
	"time"

	"github.com/chaz8081/blehello/internal/ble"
)

// Transition records one lifecycle change made by the dispatcher or the
// advertiser.
type Transition struct {
	From  State
	To    State
	Cause string
	Conn  ble.ConnHandle
	At    time.Time
}

// Observer receives lifecycle transitions and payload traffic. Methods are
// called from the host event goroutine or the notifier goroutine and must
// not block.
type Observer interface {
	OnTransition(t Transition)
	OnNotify(conn ble.ConnHandle, payload []byte)
	OnReceive(conn ble.ConnHandle, payload []byte)
}

type nopObserver struct{}

func (nopObserver) OnTransition(Transition)          {}
func (nopObserver) OnNotify(ble.ConnHandle, []byte)  {}
func (nopObserver) OnReceive(ble.ConnHandle, []byte) {}

// MultiObserver fans out to every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	var list multiObserver
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return nopObserver{}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) OnTransition(t Transition) {
	for _, o := range m {
		o.OnTransition(t)
	}
}

func (m multiObserver) OnNotify(conn ble.ConnHandle, payload []byte) {
	for _, o := range m {
		o.OnNotify(conn, payload)
	}
}

func (m multiObserver) OnReceive(conn ble.ConnHandle, payload []byte) {
	for _, o := range m {
		o.OnReceive(conn, payload)
	}
}
