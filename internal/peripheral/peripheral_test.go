package peripheral

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	opts.Notifier.Interval = 2 * time.Millisecond
	return opts
}

func TestPeripheralScenarioMock(t *testing.T) {
	stack := newMockStack(5)
	p, err := New(stack, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s := p.State().Snapshot(); s.State != StateAdvertising || s.Char != 5 {
		t.Fatalf("Snapshot() = %+v, want advertising with char 5", s)
	}

	stack.deliver(ble.ConnectEvent{Status: ble.StatusOK, Conn: 1})
	if got := p.Notifier().Tick(); got != TickSent {
		t.Fatalf("Tick() = %v, want sent", got)
	}
	calls := stack.notifyCalls()
	if len(calls) != 1 || calls[0].conn != 1 || calls[0].attr != 5 {
		t.Fatalf("notify calls = %+v, want one on (1,5)", calls)
	}

	stack.deliver(ble.DisconnectEvent{Conn: 1, Reason: ble.ReasonRemoteUserTerminated})
	if s := p.State().Snapshot(); s.State != StateAdvertising || s.HasConn {
		t.Fatalf("Snapshot() = %+v, want advertising without handle", s)
	}
	if stack.startCount() != 2 {
		t.Errorf("StartAdvertising calls = %d, want 2", stack.startCount())
	}
	if got := p.Notifier().Tick(); got != TickSkipped {
		t.Errorf("Tick() after disconnect = %v, want skipped", got)
	}
}

func TestPeripheralScenarioSim(t *testing.T) {
	// Handle base 3 puts the characteristic value at 5.
	stack := ble.NewSimStack(ble.SimOptions{HandleBase: 3})
	p, err := New(stack, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()

	if s := p.State().Snapshot(); s.State != StateAdvertising || s.Char != 5 {
		t.Fatalf("Snapshot() = %+v, want advertising with char 5", s)
	}
	if got := stack.LastAdvertisingParameters().LocalName; got != "ESP32S3_HELLO" {
		t.Errorf("LocalName = %q, want ESP32S3_HELLO", got)
	}

	conn, err := stack.Connect("central")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	stack.Flush()
	if conn != 1 {
		t.Fatalf("conn = %d, want 1", conn)
	}
	if s := p.State().Snapshot(); s.State != StateConnected || s.Conn != 1 {
		t.Fatalf("Snapshot() = %+v, want connected on 1", s)
	}

	if got := p.Notifier().Tick(); got != TickSent {
		t.Fatalf("Tick() = %v, want sent", got)
	}
	stack.Flush()
	delivered := stack.Delivered()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(delivered))
	}
	if d := delivered[0]; d.Conn != 1 || d.Attr != 5 || string(d.Data) != "Hello 1" {
		t.Errorf("delivered %+v, want Hello 1 on (1,5)", d)
	}

	if err := stack.Disconnect(ble.ReasonRemoteUserTerminated); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	stack.Flush()
	if s := p.State().Snapshot(); s.State != StateAdvertising || s.HasConn {
		t.Fatalf("Snapshot() = %+v, want advertising without handle", s)
	}
	if stack.AdvStarts() != 2 || !stack.Advertising() {
		t.Errorf("AdvStarts() = %d advertising = %t, want 2 and true", stack.AdvStarts(), stack.Advertising())
	}
	if got := p.Notifier().Tick(); got != TickSkipped {
		t.Errorf("Tick() after disconnect = %v, want skipped", got)
	}
	if p.Pool().InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", p.Pool().InUse())
	}
}

func TestPeripheralSimFailedConnect(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{})
	p, _ := New(stack, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()

	if err := stack.FailConnect(ble.ReasonConnFailedToEstablish); err != nil {
		t.Fatalf("FailConnect() error = %v", err)
	}
	stack.Flush()
	if !stack.Advertising() || p.State().State() != StateAdvertising {
		t.Errorf("advertising = %t state = %v, want advertising again", stack.Advertising(), p.State().State())
	}
}

func TestPeripheralSimResetWindow(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{})
	p, _ := New(stack, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()
	stack.Connect("central")
	stack.Flush()

	stack.Reset()
	stack.Disconnect(ble.ReasonConnSupervisionTimeout)
	stack.Flush()
	if p.State().State() != StateIdle || !p.Advertiser().Pending() {
		t.Fatalf("state = %v pending = %t, want idle and pending", p.State().State(), p.Advertiser().Pending())
	}

	stack.Resync()
	stack.Flush()
	if p.State().State() != StateAdvertising || !stack.Advertising() {
		t.Errorf("state = %v advertising = %t, want advertising after sync", p.State().State(), stack.Advertising())
	}
}

func TestPeripheralSimQueueFullFreesBuffers(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{QueueDepth: 2})
	p, _ := New(stack, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()
	stack.Connect("central")
	stack.Flush()

	stack.HoldTx(true)
	var sent, failed int
	for i := 0; i < 5; i++ {
		switch p.Notifier().Tick() {
		case TickSent:
			sent++
		case TickFailed:
			failed++
		}
	}
	if sent != 2 || failed != 3 {
		t.Errorf("sent = %d failed = %d, want 2 and 3", sent, failed)
	}
	if got := p.Pool().InUse(); got != 2 {
		t.Errorf("InUse() = %d, want 2 queued", got)
	}

	stack.HoldTx(false)
	stack.Flush()
	if got := p.Pool().InUse(); got != 0 {
		t.Errorf("InUse() after drain = %d, want 0", got)
	}
	if got := len(stack.Delivered()); got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
}

func TestPeripheralSimStaleHandle(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{})
	p, _ := New(stack, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()
	stack.Connect("central")
	stack.Flush()

	// The dispatcher may not have seen the disconnect yet.
	stack.Disconnect(ble.ReasonRemoteUserTerminated)
	if got := p.Notifier().Tick(); got == TickSent {
		t.Error("Tick() after disconnect should not send")
	}
	stack.Flush()
	if got := p.Pool().InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0", got)
	}
}

func TestPeripheralReceiveHook(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{})
	var mu sync.Mutex
	var got []string
	desc, err := ble.ProfileDescriptor(ble.ProfileNUS, func(_ ble.ConnHandle, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ProfileDescriptor() error = %v", err)
	}
	obs := &recordingObserver{}
	opts := testOptions()
	opts.Descriptor = desc
	opts.Observer = obs
	p, _ := New(stack, opts)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Close()
	stack.Flush()
	stack.Connect("central")
	stack.Flush()

	if err := stack.Write(ble.MustParseUUID(ble.NUSRXCharUUID), []byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	stack.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "ping" {
		t.Errorf("handler saw %v, want [ping]", got)
	}
	if len(obs.received) != 1 {
		t.Errorf("observer saw %d writes, want 1", len(obs.received))
	}
}

func TestPeripheralStartTwice(t *testing.T) {
	p, _ := New(newMockStack(5), testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(); !errors.Is(err, ble.ErrInvalidState) {
		t.Errorf("second Start() error = %v, want ErrInvalidState", err)
	}
}

func TestPeripheralStartRejectsBadDescriptor(t *testing.T) {
	opts := testOptions()
	opts.Descriptor = ble.ServiceDescriptor{UUID: ble.MustParseUUID(ble.HelloServiceUUID)}
	stack := newMockStack(5)
	p, _ := New(stack, opts)
	err := p.Start()
	if ble.Classify(err) != ble.ClassConfiguration {
		t.Fatalf("Start() error = %v, want configuration error", err)
	}
	if stack.startCount() != 0 {
		t.Error("advertising should not start after a registration failure")
	}
}

func TestPeripheralStartBusyIsNotFatal(t *testing.T) {
	stack := newMockStack(5)
	stack.failNextStarts(ble.NewStatusError("gap adv start", ble.StatusEBusy))
	p, _ := New(stack, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	if !p.Advertiser().Pending() {
		t.Error("busy start should be pending")
	}
	stack.deliver(ble.SyncEvent{})
	if p.State().State() != StateAdvertising {
		t.Errorf("state = %v, want advertising after sync", p.State().State())
	}
}

func TestPeripheralRunClosesStack(t *testing.T) {
	stack := ble.NewSimStack(ble.SimOptions{})
	p, _ := New(stack, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !stack.Advertising() {
		select {
		case <-deadline:
			t.Fatal("peripheral never advertised")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if _, err := stack.Connect("central"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for len(stack.Delivered()) < 2 {
		select {
		case <-deadline:
			t.Fatal("no notifications delivered")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if stack.Advertising() {
		t.Error("stack still advertising after Run returned")
	}
}

// TestConnectionInvariantsRandomized drives random event sequences through
// the dispatcher and checks the handle/state invariants after each step.
func TestConnectionInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		stack := newMockStack(5)
		p, _ := New(stack, testOptions())
		if err := p.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		nextConn := ble.ConnHandle(0)
		disconnected := false
		startsAtDisconnect := 0

		for step := 0; step < 200; step++ {
			snap := p.State().Snapshot()
			switch rng.Intn(6) {
			case 0:
				stack.deliver(ble.ConnectEvent{Status: ble.StatusOK, Conn: nextConn})
				if snap.State != StateConnected {
					if disconnected && stack.startCount()-startsAtDisconnect != 1 {
						t.Fatalf("round %d step %d: %d starts between disconnect and connect, want 1",
							round, step, stack.startCount()-startsAtDisconnect)
					}
					disconnected = false
				}
				nextConn++
			case 1:
				if snap.State != StateConnected && disconnected {
					// A failed attempt restarts advertising too.
					startsAtDisconnect++
				}
				stack.deliver(ble.ConnectEvent{Status: ble.ReasonConnFailedToEstablish})
			case 2:
				if snap.HasConn {
					startsAtDisconnect = stack.startCount()
					stack.deliver(ble.DisconnectEvent{Conn: snap.Conn, Reason: ble.ReasonRemoteUserTerminated})
					disconnected = true
				}
			case 3:
				stack.deliver(ble.DisconnectEvent{Conn: snap.Conn + 100, Reason: ble.ReasonConnSupervisionTimeout})
			case 4:
				stack.deliver(ble.SyncEvent{})
			case 5:
				before := len(stack.notifyCalls())
				res := p.Notifier().Tick()
				if !snap.HasConn && (res == TickSent || len(stack.notifyCalls()) != before) {
					t.Fatalf("round %d step %d: notified without a connection", round, step)
				}
			}

			s := p.State().Snapshot()
			if s.HasConn != (s.State == StateConnected) {
				t.Fatalf("round %d step %d: HasConn = %t with state %v", round, step, s.HasConn, s.State)
			}
			if p.Pool().InUse() != 0 {
				t.Fatalf("round %d step %d: %d buffers leaked", round, step, p.Pool().InUse())
			}
		}
	}
}
