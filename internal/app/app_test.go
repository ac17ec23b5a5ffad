package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/config"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDeviceName(t *testing.T) {
	cfg := config.Default()
	if got := DeviceName(cfg); got != "ESP32S3_HELLO" {
		t.Errorf("DeviceName() = %q, want profile default", got)
	}
	cfg.Device.Name = "CUSTOM"
	if got := DeviceName(cfg); got != "CUSTOM" {
		t.Errorf("DeviceName() = %q, want CUSTOM", got)
	}
}

func TestDescriptorCustomUUIDs(t *testing.T) {
	cfg := config.Default()
	cfg.Device.ServiceUUID = "11111111-2222-3333-4444-555555555555"
	cfg.Device.CharUUID = "66666666-7777-8888-9999-aaaaaaaaaaaa"

	desc, err := Descriptor(cfg, nil)
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	if desc.UUID.String() != cfg.Device.ServiceUUID {
		t.Errorf("service = %s, want %s", desc.UUID, cfg.Device.ServiceUUID)
	}
	target, _ := desc.NotifyTarget()
	if target.UUID.String() != cfg.Device.CharUUID {
		t.Errorf("notify char = %s, want %s", target.UUID, cfg.Device.CharUUID)
	}
	// The profile table itself must be untouched.
	orig, _ := ble.ProfileDescriptor(ble.ProfileHello, nil)
	if orig.Characteristics[0].UUID.String() != ble.HelloCharUUID {
		t.Error("custom UUIDs leaked into the profile")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Advertising.ConnMode = "dir"
	cfg.Advertising.DiscMode = "ltd"
	cfg.Connection = config.ConnectionConfig{IntervalMin: 6, IntervalMax: 12, SupervisionTimeout: 400}

	opts, err := Options(cfg, quiet(), nil)
	if err != nil {
		t.Fatalf("Options() error = %v", err)
	}
	if opts.Advertising.ConnMode != ble.ConnModeDir || opts.Advertising.DiscMode != ble.DiscModeLtd {
		t.Errorf("Advertising = %+v", opts.Advertising)
	}
	if opts.ConnParams == nil || opts.ConnParams.SupervisionTimeout != 400 {
		t.Errorf("ConnParams = %+v", opts.ConnParams)
	}
	if got := opts.Notifier.Formatter.Format(4); got != "Hello 4" {
		t.Errorf("Format(4) = %q, want Hello 4", got)
	}
}

func TestOptionsRejectsBadFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Notifier.Format = "%s"
	if _, err := Options(cfg, quiet(), nil); err == nil {
		t.Error("Options() should reject an unsupported format")
	}
}

func TestNewStackSim(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "sim"
	stack, err := NewStack(cfg)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if _, ok := stack.(*ble.SimStack); !ok {
		t.Errorf("NewStack() = %T, want *ble.SimStack", stack)
	}
}

func TestNewStackUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "bogus"
	if _, err := NewStack(cfg); err == nil {
		t.Error("NewStack() should fail on unknown backend")
	}
}

func TestRunOnSim(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "sim"
	cfg.Notifier.Interval = 2 * time.Millisecond
	sim := ble.NewSimStack(ble.DefaultSimOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, sim, quiet()) }()

	deadline := time.After(2 * time.Second)
	for !sim.Advertising() {
		select {
		case <-deadline:
			t.Fatal("never advertised")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestRunRejectsBadProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Profile = "bogus"
	err := Run(context.Background(), cfg, ble.NewSimStack(ble.SimOptions{}), quiet())
	if !errors.Is(err, ble.ErrInvalidDescriptor) {
		t.Errorf("Run() error = %v, want ErrInvalidDescriptor", err)
	}
}
