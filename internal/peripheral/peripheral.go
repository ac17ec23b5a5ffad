package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chaz8081/blehello/internal/ble"
)

// Options configures a Peripheral.
type Options struct {
	Descriptor  ble.ServiceDescriptor
	Advertising ble.AdvertisingParameters
	Notifier    NotifierOptions
	PoolSize    int             // notification buffers
	ConnParams  *ble.ConnParams // requested after connect; nil skips
	Observer    Observer
	Logger      *slog.Logger
}

// DefaultOptions returns the hello profile advertised as ESP32S3_HELLO.
func DefaultOptions() Options {
	desc, _ := ble.ProfileDescriptor(ble.ProfileHello, nil)
	return Options{
		Descriptor:  desc,
		Advertising: ble.DefaultAdvertisingParameters(ble.ProfileLocalName(ble.ProfileHello)),
		Notifier:    DefaultNotifierOptions(),
		PoolSize:    8,
	}
}

// Peripheral wires the registry, advertiser, dispatcher and notifier to
// one host stack.
type Peripheral struct {
	stack      ble.Stack
	opts       Options
	logger     *slog.Logger
	state      *ConnectionState
	pool       *ble.MbufPool
	registry   *Registry
	advertiser *Advertiser
	dispatcher *Dispatcher
	notifier   *Notifier

	started atomic.Bool
}

// New builds a peripheral on stack. Nothing touches the stack until Start.
func New(stack ble.Stack, opts Options) (*Peripheral, error) {
	if stack == nil {
		return nil, errors.New("peripheral: nil stack")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := MultiObserver(opts.Observer)

	opts.Descriptor = withReceiveHook(opts.Descriptor, observer, logger)
	maxPayload := opts.Notifier.MaxPayload
	if maxPayload <= 0 {
		maxPayload = ble.DefaultMaxPayload
	}

	p := &Peripheral{
		stack:  stack,
		opts:   opts,
		logger: logger,
		state:  NewConnectionState(),
		pool:   ble.NewMbufPool(opts.PoolSize, maxPayload),
	}
	p.registry = NewRegistry(stack, p.state, logger)
	p.advertiser = NewAdvertiser(stack, p.state, p.registry, opts.Advertising, logger)
	p.dispatcher = NewDispatcher(stack, p.state, p.advertiser, observer, opts.ConnParams, logger)
	p.notifier = NewNotifier(stack, p.state, p.pool, opts.Notifier, observer, logger)
	return p, nil
}

// withReceiveHook wraps every OnWrite so received data is logged and
// mirrored to the observer before the profile's own handler runs.
func withReceiveHook(desc ble.ServiceDescriptor, observer Observer, logger *slog.Logger) ble.ServiceDescriptor {
	chars := make([]ble.Characteristic, len(desc.Characteristics))
	copy(chars, desc.Characteristics)
	for i := range chars {
		if !chars[i].Flags.Writable() {
			continue
		}
		next := chars[i].OnWrite
		u := chars[i].UUID
		chars[i].OnWrite = func(conn ble.ConnHandle, data []byte) {
			logger.Info("[GATT] write", "conn", conn, "characteristic", u.String(), "len", len(data))
			observer.OnReceive(conn, data)
			if next != nil {
				next(conn, data)
			}
		}
	}
	desc.Characteristics = chars
	return desc
}

// Start initializes the stack, registers services and starts advertising.
// Only configuration and state errors are returned; an advertising start
// the stack defers is left pending for the next sync.
func (p *Peripheral) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("peripheral: already started: %w", ble.ErrInvalidState)
	}
	if err := p.stack.Init(p.dispatcher.HandleEvent); err != nil {
		return fmt.Errorf("peripheral: init stack: %w", err)
	}
	if _, err := p.registry.Register(p.opts.Descriptor); err != nil {
		return err
	}
	p.dispatcher.restart("startup")
	return nil
}

// Run starts the peripheral, notifies until ctx is cancelled, then stops
// advertising and closes the stack.
func (p *Peripheral) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	err := p.notifier.Run(ctx)
	if stopErr := p.advertiser.Stop(); stopErr != nil {
		p.logger.Warn("[GAP] stop advertising on shutdown", "error", stopErr)
	}
	if closeErr := p.stack.Close(); closeErr != nil {
		return fmt.Errorf("peripheral: close stack: %w", closeErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// State returns the connection state tracker.
func (p *Peripheral) State() *ConnectionState { return p.state }

// Advertiser returns the advertiser.
func (p *Peripheral) Advertiser() *Advertiser { return p.advertiser }

// Registry returns the service registry.
func (p *Peripheral) Registry() *Registry { return p.registry }

// Notifier returns the notifier.
func (p *Peripheral) Notifier() *Notifier { return p.notifier }

// Dispatcher returns the GAP event dispatcher.
func (p *Peripheral) Dispatcher() *Dispatcher { return p.dispatcher }

// Pool returns the notification buffer pool.
func (p *Peripheral) Pool() *ble.MbufPool { return p.pool }
