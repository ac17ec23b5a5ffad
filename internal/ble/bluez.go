//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// blueZCapacity is the attribute budget we allow on BlueZ. The daemon has
// no small fixed table, so this only guards against runaway descriptors.
const blueZCapacity = 512

// Bounds of the back-off between SyncEvents after a failed advertising
// start.
const (
	blueZResyncMin = time.Second
	blueZResyncMax = 30 * time.Second
)

// advertisement is the part of *bluetooth.Advertisement the stack drives.
type advertisement interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

// BlueZStack drives a local BlueZ adapter through tinygo-org/bluetooth.
// BlueZ does not expose connection or attribute handles, so the stack
// assigns its own: connection handles count up from 1 per central, and
// attribute handles follow the standard table layout starting at 1.
type BlueZStack struct {
	adapter   *bluetooth.Adapter
	adapterID string

	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup

	// mu protects everything below.
	mu          sync.Mutex
	handler     EventHandler
	inited      bool
	registered  bool
	closed      bool
	adv         advertisement
	svcUUID     bluetooth.UUID
	desc        ServiceDescriptor
	table       HandleTable
	chars       map[AttrHandle]*bluetooth.Characteristic
	advertising bool                  // broadcasting and awaiting a central
	advUp       bool                  // advertisement object registered with BlueZ
	conns       map[string]ConnHandle // keyed by peer address
	current     map[ConnHandle]bool
	nextConn    ConnHandle

	resyncMin time.Duration
	resyncMax time.Duration
	backoff   time.Duration
	resync    *time.Timer
}

// NewBlueZStack creates a stack on the named HCI adapter, e.g. "hci0".
func NewBlueZStack(adapterID string) (Stack, error) {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &BlueZStack{
		adapter:   bluetooth.NewAdapter(adapterID),
		adapterID: adapterID,
		events:    make(chan Event, 32),
		quit:      make(chan struct{}),
		chars:     make(map[AttrHandle]*bluetooth.Characteristic),
		conns:     make(map[string]ConnHandle),
		current:   make(map[ConnHandle]bool),
		nextConn:  1,
		resyncMin: blueZResyncMin,
		resyncMax: blueZResyncMax,
	}, nil
}

// Compile-time check that BlueZStack implements Stack.
var _ Stack = (*BlueZStack)(nil)

func (s *BlueZStack) Init(handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("ble: bluez init: nil handler: %w", ErrInvalidState)
	}
	s.mu.Lock()
	if s.inited {
		s.mu.Unlock()
		return fmt.Errorf("ble: bluez init: %w", ErrInvalidState)
	}
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter %s: %w", s.adapterID, err)
	}

	s.mu.Lock()
	s.inited = true
	s.handler = handler
	if s.adv == nil {
		s.adv = s.adapter.DefaultAdvertisement()
	}
	s.mu.Unlock()

	// tinygo/bluetooth fires this from its D-Bus signal goroutine. Events
	// are queued so the signal loop never waits on our handler.
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		s.onConnectChange(device.Address.String(), connected)
	})

	s.wg.Add(1)
	go s.eventLoop()
	s.enqueue(SyncEvent{})
	return nil
}

func (s *BlueZStack) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			h(ev)
		case <-s.quit:
			return
		}
	}
}

// enqueue hands ev to the event loop. Link events wait for room, since
// losing a disconnect would pin the peripheral in Connected; the rest are
// dropped when the queue is full.
func (s *BlueZStack) enqueue(ev Event) {
	switch ev.(type) {
	case ConnectEvent, DisconnectEvent:
		select {
		case s.events <- ev:
		case <-s.quit:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.quit:
	default:
		slog.Warn("[BLE] event queue full, dropping event", "event", ev.String())
	}
}

// scheduleResync emits a SyncEvent after the current back-off so a pending
// advertising restart gets another try. The back-off doubles on each
// failure up to resyncMax.
func (s *BlueZStack) scheduleResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.resync != nil {
		return
	}
	next := s.backoff * 2
	if next < s.resyncMin {
		next = s.resyncMin
	}
	if next > s.resyncMax {
		next = s.resyncMax
	}
	s.backoff = next
	s.resync = time.AfterFunc(next, func() {
		s.mu.Lock()
		s.resync = nil
		s.mu.Unlock()
		s.enqueue(SyncEvent{})
	})
}

func (s *BlueZStack) onConnectChange(addr string, connected bool) {
	s.mu.Lock()
	if connected {
		if _, dup := s.conns[addr]; dup {
			s.mu.Unlock()
			return
		}
		conn := s.nextConn
		s.nextConn++
		s.conns[addr] = conn
		s.current[conn] = true
		// The advertisement object stays registered: tinygo reports
		// connection changes only while it is, and this callback runs on
		// its signal goroutine.
		s.advertising = false
		s.mu.Unlock()

		s.enqueue(ConnectEvent{Status: StatusOK, Conn: conn, PeerAddr: addr})
		return
	}

	conn, ok := s.conns[addr]
	if ok {
		delete(s.conns, addr)
		delete(s.current, conn)
	}
	s.mu.Unlock()
	if ok {
		// BlueZ does not report the HCI reason to us.
		s.enqueue(DisconnectEvent{Conn: conn, Reason: ReasonRemoteUserTerminated})
	}
}

func (s *BlueZStack) AttributeCapacity() int { return blueZCapacity }

func (s *BlueZStack) RegisterServices(desc ServiceDescriptor) (HandleTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || s.closed {
		return nil, fmt.Errorf("ble: bluez register: %w", NewStatusError("gatts add svcs", StatusENotSynced))
	}
	if s.registered {
		return nil, fmt.Errorf("ble: bluez register: %w", NewStatusError("gatts add svcs", StatusEAlready))
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if n := desc.AttributeCount(); n > blueZCapacity {
		return nil, fmt.Errorf("ble: bluez register: %d attributes: %w", n, ErrCapacityExceeded)
	}

	svcUUID, err := toBluetoothUUID(desc.UUID)
	if err != nil {
		return nil, err
	}
	table, _ := layoutHandles(desc, 1)

	svc := &bluetooth.Service{UUID: svcUUID}
	for _, c := range desc.Characteristics {
		u, err := toBluetoothUUID(c.UUID)
		if err != nil {
			return nil, err
		}
		handle := new(bluetooth.Characteristic)
		s.chars[table[c.UUID]] = handle
		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   u,
			Value:  c.Value,
			Flags:  toPermissions(c.Flags),
		}
		if c.OnWrite != nil {
			cfg.WriteEvent = s.writeEvent(c.OnWrite)
		}
		svc.Characteristics = append(svc.Characteristics, cfg)
	}

	if err := s.adapter.AddService(svc); err != nil {
		return nil, fmt.Errorf("ble: bluez add service %s: %w", desc.UUID, err)
	}
	s.svcUUID = svcUUID
	s.desc = desc
	s.table = table
	s.registered = true

	out := make(HandleTable, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out, nil
}

// writeEvent adapts a WriteHandler to tinygo's write callback. The central
// is attributed to the oldest live connection, the only one we serve.
func (s *BlueZStack) writeEvent(h WriteHandler) func(bluetooth.Connection, int, []byte) {
	return func(_ bluetooth.Connection, offset int, value []byte) {
		if offset != 0 {
			return
		}
		s.mu.Lock()
		var conn ConnHandle
		for c := range s.current {
			if conn == 0 || c < conn {
				conn = c
			}
		}
		s.mu.Unlock()
		h(conn, append([]byte(nil), value...))
	}
}

func (s *BlueZStack) StartAdvertising(params AdvertisingParameters) error {
	s.mu.Lock()
	switch {
	case !s.inited || s.closed:
		s.mu.Unlock()
		return NewStatusError("gap adv start", StatusENotSynced)
	case s.advertising:
		s.mu.Unlock()
		return NewStatusError("gap adv start", StatusEAlready)
	case s.advUp:
		// Still registered from before the last connection.
		s.advertising = true
		s.backoff = 0
		s.mu.Unlock()
		return NewStatusError("gap adv start", StatusEAlready)
	}
	adv := s.adv
	var uuids []bluetooth.UUID
	if s.registered {
		uuids = []bluetooth.UUID{s.svcUUID}
	}
	s.mu.Unlock()

	opts := bluetooth.AdvertisementOptions{
		AdvertisementType: toAdvertisingType(params.ConnMode),
		LocalName:         params.LocalName,
		ServiceUUIDs:      uuids,
		Interval:          bluetooth.NewDuration(intervalDuration(params.IntervalMin)),
	}
	err := adv.Configure(opts)
	if err == nil {
		err = adv.Start()
	}
	switch {
	case err == nil:
	case isAlreadyStarted(err):
		s.markAdvertising()
		return fmt.Errorf("ble: bluez adv start: %w", NewStatusError("gap adv start", StatusEAlready))
	case isInProgress(err):
		s.scheduleResync()
		return fmt.Errorf("ble: bluez adv start: %w", NewStatusError("gap adv start", StatusEBusy))
	default:
		s.scheduleResync()
		return fmt.Errorf("ble: bluez adv start: %w", err)
	}
	s.markAdvertising()
	return nil
}

func (s *BlueZStack) markAdvertising() {
	s.mu.Lock()
	s.advertising = true
	s.advUp = true
	s.backoff = 0
	s.mu.Unlock()
}

func (s *BlueZStack) StopAdvertising() error {
	s.mu.Lock()
	if !s.advUp {
		s.mu.Unlock()
		return NewStatusError("gap adv stop", StatusEAlready)
	}
	s.advertising = false
	s.advUp = false
	adv := s.adv
	s.mu.Unlock()

	if err := adv.Stop(); err != nil {
		return fmt.Errorf("ble: bluez adv stop: %w", err)
	}
	return nil
}

// Notify writes the characteristic value; BlueZ pushes it to every
// subscribed central. The value is copied synchronously, so the buffer is
// released before returning on success.
func (s *BlueZStack) Notify(conn ConnHandle, attr AttrHandle, om *Mbuf) error {
	if om == nil {
		return NewStatusError("gatts notify", StatusEInval)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewStatusError("gatts notify", StatusENotSynced)
	}
	if !s.current[conn] {
		s.mu.Unlock()
		return NewStatusError("gatts notify", StatusENotConn)
	}
	char, ok := s.chars[attr]
	s.mu.Unlock()
	if !ok {
		return NewStatusError("gatts notify", StatusENoEnt)
	}

	if _, err := char.Write(om.Bytes()); err != nil {
		return fmt.Errorf("ble: bluez notify: %w", errors.Join(NewStatusError("gatts notify", StatusEApp), err))
	}
	om.Free()
	return nil
}

func (s *BlueZStack) Close() error {
	s.mu.Lock()
	if s.closed || !s.inited {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopAdv := s.advUp
	s.advertising = false
	s.advUp = false
	adv := s.adv
	if s.resync != nil {
		s.resync.Stop()
		s.resync = nil
	}
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	if stopAdv && adv != nil {
		if err := adv.Stop(); err != nil {
			return fmt.Errorf("ble: bluez close: %w", err)
		}
	}
	return nil
}

func toBluetoothUUID(u UUID) (bluetooth.UUID, error) {
	bu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: convert uuid %s: %w", u, err)
	}
	return bu, nil
}

func toPermissions(f Flags) bluetooth.CharacteristicPermissions {
	var p bluetooth.CharacteristicPermissions
	if f&FlagRead != 0 {
		p |= bluetooth.CharacteristicReadPermission
	}
	if f&FlagWrite != 0 {
		p |= bluetooth.CharacteristicWritePermission
	}
	if f&FlagWriteNoResponse != 0 {
		p |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if f&FlagNotify != 0 {
		p |= bluetooth.CharacteristicNotifyPermission
	}
	return p
}

func toAdvertisingType(m ConnMode) bluetooth.AdvertisingType {
	switch m {
	case ConnModeNon:
		return bluetooth.AdvertisingTypeNonConnInd
	case ConnModeDir:
		return bluetooth.AdvertisingTypeDirectInd
	}
	return bluetooth.AdvertisingTypeInd
}

// intervalDuration converts 0.625 ms advertising units to a duration.
func intervalDuration(units uint16) time.Duration {
	return time.Duration(units) * 625 * time.Microsecond
}

func isAlreadyStarted(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already started") || strings.Contains(msg, "AlreadyExists")
}

func isInProgress(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "InProgress") || strings.Contains(msg, "Busy")
}
