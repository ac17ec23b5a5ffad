package ble

import (
	"fmt"
	"sync"
)

// SimOptions configures a SimStack.
type SimOptions struct {
	Capacity   int        // attribute table capacity
	HandleBase AttrHandle // handle of the service declaration
	QueueDepth int        // outbound notification queue depth
	EventDepth int        // host event queue depth
}

// DefaultSimOptions mirrors a small NimBLE configuration: the GAP and GATT
// services occupy the first handles.
func DefaultSimOptions() SimOptions {
	return SimOptions{
		Capacity:   32,
		HandleBase: 10,
		QueueDepth: 4,
		EventDepth: 64,
	}
}

// Notification is one notification the simulated controller transmitted.
type Notification struct {
	Conn ConnHandle
	Attr AttrHandle
	Data []byte
}

// SimStack is an in-memory host stack. All event callbacks run on a single
// host goroutine, like a real host task. Test code drives it through the
// central-side methods (Connect, Disconnect, Subscribe, Write, Reset, ...).
type SimStack struct {
	opts SimOptions

	work chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	handler     EventHandler
	inited      bool
	closed      bool
	registered  bool
	desc        ServiceDescriptor
	table       HandleTable
	advertising bool
	advStarts   int
	advParams   AdvertisingParameters
	resetting   bool
	connected   bool
	conn        ConnHandle
	nextConn    ConnHandle
	holdTx      bool
	pending     []pendingTx
	delivered   []Notification
	connUpdates []ConnParams
}

type pendingTx struct {
	conn ConnHandle
	attr AttrHandle
	om   *Mbuf
}

// NewSimStack creates a stack; zero option fields take their defaults.
func NewSimStack(opts SimOptions) *SimStack {
	def := DefaultSimOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.HandleBase == 0 {
		opts.HandleBase = def.HandleBase
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = def.QueueDepth
	}
	if opts.EventDepth <= 0 {
		opts.EventDepth = def.EventDepth
	}
	return &SimStack{
		opts:     opts,
		work:     make(chan func(), opts.EventDepth),
		quit:     make(chan struct{}),
		nextConn: 1,
	}
}

// Compile-time checks.
var (
	_ Stack            = (*SimStack)(nil)
	_ ConnParamUpdater = (*SimStack)(nil)
)

func (s *SimStack) Init(handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("ble: sim init: nil handler: %w", ErrInvalidState)
	}
	s.mu.Lock()
	if s.inited {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim init: %w", ErrInvalidState)
	}
	s.inited = true
	s.handler = handler
	s.mu.Unlock()

	s.wg.Add(1)
	go s.hostLoop()
	s.emit(SyncEvent{})
	return nil
}

// hostLoop runs queued work one item at a time.
func (s *SimStack) hostLoop() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.work:
			f()
		case <-s.quit:
			return
		}
	}
}

// post queues f on the host goroutine. It reports false once closed.
func (s *SimStack) post(f func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.work <- f:
		return true
	case <-s.quit:
		return false
	}
}

func (s *SimStack) emit(ev Event) {
	s.post(func() {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(ev)
		}
	})
}

// Flush blocks until every event queued so far has been handled.
func (s *SimStack) Flush() {
	done := make(chan struct{})
	if !s.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

func (s *SimStack) AttributeCapacity() int { return s.opts.Capacity }

func (s *SimStack) RegisterServices(desc ServiceDescriptor) (HandleTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || s.closed {
		return nil, fmt.Errorf("ble: sim register: %w", NewStatusError("gatts add svcs", StatusENotSynced))
	}
	if s.registered {
		return nil, fmt.Errorf("ble: sim register: %w", NewStatusError("gatts add svcs", StatusEAlready))
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if n := desc.AttributeCount(); n > s.opts.Capacity {
		return nil, fmt.Errorf("ble: sim register: %d attributes, capacity %d: %w", n, s.opts.Capacity, ErrCapacityExceeded)
	}
	table, _ := layoutHandles(desc, s.opts.HandleBase)
	s.desc = desc
	s.table = table
	s.registered = true

	out := make(HandleTable, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out, nil
}

func (s *SimStack) StartAdvertising(params AdvertisingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.inited || s.closed:
		return NewStatusError("gap adv start", StatusENotSynced)
	case s.resetting:
		return NewStatusError("gap adv start", StatusEBusy)
	case s.advertising:
		return NewStatusError("gap adv start", StatusEAlready)
	}
	s.advertising = true
	s.advStarts++
	s.advParams = params
	return nil
}

func (s *SimStack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return NewStatusError("gap adv stop", StatusEAlready)
	}
	s.advertising = false
	return nil
}

func (s *SimStack) Notify(conn ConnHandle, attr AttrHandle, om *Mbuf) error {
	if om == nil {
		return NewStatusError("gatts notify", StatusEInval)
	}
	s.mu.Lock()
	if err := s.checkNotify(conn, attr); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending = append(s.pending, pendingTx{conn: conn, attr: attr, om: om})
	hold := s.holdTx
	s.mu.Unlock()

	if !hold {
		s.post(s.transmit)
	}
	return nil
}

// checkNotify validates a notify request (caller holds mu).
func (s *SimStack) checkNotify(conn ConnHandle, attr AttrHandle) error {
	switch {
	case s.closed:
		return NewStatusError("gatts notify", StatusENotSynced)
	case !s.connected || conn != s.conn:
		return NewStatusError("gatts notify", StatusENotConn)
	case !s.isNotifyValue(attr):
		return NewStatusError("gatts notify", StatusENoEnt)
	case len(s.pending) >= s.opts.QueueDepth:
		return NewStatusError("gatts notify", StatusEAgain)
	}
	return nil
}

func (s *SimStack) isNotifyValue(attr AttrHandle) bool {
	for _, c := range s.desc.Characteristics {
		if s.table[c.UUID] == attr {
			return c.Flags.Notifiable()
		}
	}
	return false
}

// transmit drains the outbound queue; the stack frees each buffer.
func (s *SimStack) transmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdTx {
		return
	}
	for _, p := range s.pending {
		data := append([]byte(nil), p.om.Bytes()...)
		s.delivered = append(s.delivered, Notification{Conn: p.conn, Attr: p.attr, Data: data})
		p.om.Free()
	}
	s.pending = s.pending[:0]
}

// dropPending frees queued buffers that will never be sent (caller holds mu).
func (s *SimStack) dropPending() {
	for _, p := range s.pending {
		p.om.Free()
	}
	s.pending = s.pending[:0]
}

func (s *SimStack) UpdateConnParams(conn ConnHandle, params ConnParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || conn != s.conn {
		return NewStatusError("gap update params", StatusENotConn)
	}
	if params.IntervalMin > params.IntervalMax {
		return NewStatusError("gap update params", StatusEInval)
	}
	s.connUpdates = append(s.connUpdates, params)
	return nil
}

func (s *SimStack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.advertising = false
	s.connected = false
	s.dropPending()
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	return nil
}

// Central-side controls.

// Connect simulates a central connecting. Advertising stops, as it does on
// a single-connection controller.
func (s *SimStack) Connect(peer string) (ConnHandle, error) {
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return 0, fmt.Errorf("ble: sim connect: not advertising: %w", ErrInvalidState)
	}
	if s.connected {
		s.mu.Unlock()
		return 0, fmt.Errorf("ble: sim connect: already connected: %w", ErrInvalidState)
	}
	conn := s.nextConn
	s.nextConn++
	s.advertising = false
	s.connected = true
	s.conn = conn
	s.mu.Unlock()

	s.emit(ConnectEvent{Status: StatusOK, Conn: conn, PeerAddr: peer})
	return conn, nil
}

// FailConnect simulates a connection attempt that failed with status.
// Advertising stops and is not resumed by the stack.
func (s *SimStack) FailConnect(status int) error {
	if status == StatusOK {
		status = ReasonConnFailedToEstablish
	}
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim fail connect: not advertising: %w", ErrInvalidState)
	}
	s.advertising = false
	s.mu.Unlock()

	s.emit(ConnectEvent{Status: status})
	return nil
}

// Disconnect simulates the central going away with an HCI reason.
func (s *SimStack) Disconnect(reason int) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim disconnect: %w", ErrNotConnected)
	}
	conn := s.conn
	s.connected = false
	s.dropPending()
	s.mu.Unlock()

	s.emit(DisconnectEvent{Conn: conn, Reason: reason})
	return nil
}

// Subscribe simulates the central writing the CCCD of the notify target.
func (s *SimStack) Subscribe(notify bool) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim subscribe: %w", ErrNotConnected)
	}
	target, ok := s.desc.NotifyTarget()
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim subscribe: %w", ErrInvalidState)
	}
	ev := SubscribeEvent{Conn: s.conn, Attr: s.table[target.UUID] + 1, Notify: notify}
	s.mu.Unlock()

	s.emit(ev)
	return nil
}

// NegotiateMTU simulates an MTU exchange.
func (s *SimStack) NegotiateMTU(mtu int) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim mtu: %w", ErrNotConnected)
	}
	conn := s.conn
	s.mu.Unlock()

	s.emit(MTUEvent{Conn: conn, MTU: mtu})
	return nil
}

// Write simulates the central writing data to characteristic u. The write
// callback runs on the host goroutine.
func (s *SimStack) Write(u UUID, data []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim write: %w", ErrNotConnected)
	}
	var target *Characteristic
	for i := range s.desc.Characteristics {
		if s.desc.Characteristics[i].UUID == u {
			target = &s.desc.Characteristics[i]
		}
	}
	if target == nil || !target.Flags.Writable() {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim write %s: %w", u, NewStatusError("att write", StatusENotSup))
	}
	conn, cb := s.conn, target.OnWrite
	s.mu.Unlock()

	buf := append([]byte(nil), data...)
	s.post(func() {
		if cb != nil {
			cb(conn, buf)
		}
	})
	return nil
}

// Read simulates the central reading characteristic u.
func (s *SimStack) Read(u UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.desc.Characteristics {
		if c.UUID == u {
			if !c.Flags.Readable() {
				return nil, fmt.Errorf("ble: sim read %s: %w", u, NewStatusError("att read", StatusENotSup))
			}
			return append([]byte(nil), c.Value...), nil
		}
	}
	return nil, fmt.Errorf("ble: sim read %s: %w", u, NewStatusError("att read", StatusENoEnt))
}

// Reset puts the host into a reset window: advertising stops and
// StartAdvertising fails with ErrBusy until Resync.
func (s *SimStack) Reset() {
	s.mu.Lock()
	s.resetting = true
	s.advertising = false
	s.mu.Unlock()
}

// Resync ends the reset window and delivers a SyncEvent.
func (s *SimStack) Resync() {
	s.mu.Lock()
	s.resetting = false
	s.mu.Unlock()
	s.emit(SyncEvent{})
}

// HoldTx stops (true) or resumes (false) draining the outbound queue.
func (s *SimStack) HoldTx(hold bool) {
	s.mu.Lock()
	s.holdTx = hold
	s.mu.Unlock()
	if !hold {
		s.post(s.transmit)
	}
}

// Inspection.

func (s *SimStack) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// AdvStarts counts successful StartAdvertising calls.
func (s *SimStack) AdvStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advStarts
}

// LastAdvertisingParameters returns the parameters of the latest start.
func (s *SimStack) LastAdvertisingParameters() AdvertisingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advParams
}

// Delivered returns a copy of every transmitted notification.
func (s *SimStack) Delivered() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// ConnParamUpdates returns the connection parameter requests received.
func (s *SimStack) ConnParamUpdates() []ConnParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnParams(nil), s.connUpdates...)
}

// Pending returns the number of queued, untransmitted notifications.
func (s *SimStack) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
