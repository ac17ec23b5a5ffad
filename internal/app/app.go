// Package app turns a validated config into a running peripheral.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/ble/protocol"
	"github.com/chaz8081/blehello/internal/bridge"
	"github.com/chaz8081/blehello/internal/config"
	"github.com/chaz8081/blehello/internal/peripheral"
)

// DeviceName returns the advertised name: the configured one, or the
// profile's default.
func DeviceName(cfg *config.Config) string {
	if cfg.Device.Name != "" {
		return cfg.Device.Name
	}
	return ble.ProfileLocalName(cfg.Device.Profile)
}

// Descriptor builds the service descriptor for cfg. Custom UUIDs replace
// the service identity and the notify characteristic's identity.
func Descriptor(cfg *config.Config, onWrite ble.WriteHandler) (ble.ServiceDescriptor, error) {
	desc, err := ble.ProfileDescriptor(cfg.Device.Profile, onWrite)
	if err != nil {
		return ble.ServiceDescriptor{}, err
	}
	if cfg.Device.ServiceUUID == "" {
		return desc, nil
	}

	svc, err := ble.ParseUUID(cfg.Device.ServiceUUID)
	if err != nil {
		return ble.ServiceDescriptor{}, fmt.Errorf("%w: %w", err, ble.ErrInvalidDescriptor)
	}
	chr, err := ble.ParseUUID(cfg.Device.CharUUID)
	if err != nil {
		return ble.ServiceDescriptor{}, fmt.Errorf("%w: %w", err, ble.ErrInvalidDescriptor)
	}
	desc.UUID = svc
	chars := append([]ble.Characteristic(nil), desc.Characteristics...)
	for i := range chars {
		if chars[i].Flags.Notifiable() {
			chars[i].UUID = chr
			break
		}
	}
	desc.Characteristics = chars
	return desc, nil
}

func connMode(s string) ble.ConnMode {
	switch s {
	case "non":
		return ble.ConnModeNon
	case "dir":
		return ble.ConnModeDir
	}
	return ble.ConnModeUnd
}

func discMode(s string) ble.DiscMode {
	switch s {
	case "non":
		return ble.DiscModeNon
	case "ltd":
		return ble.DiscModeLtd
	}
	return ble.DiscModeGen
}

// Options maps cfg onto peripheral options.
func Options(cfg *config.Config, logger *slog.Logger, observer peripheral.Observer) (peripheral.Options, error) {
	desc, err := Descriptor(cfg, func(conn ble.ConnHandle, data []byte) {
		logger.Info("[GATT] received", "conn", conn, "data", string(data))
	})
	if err != nil {
		return peripheral.Options{}, err
	}
	formatter, err := protocol.NewCounterFormatter(cfg.Notifier.Format)
	if err != nil {
		return peripheral.Options{}, err
	}

	opts := peripheral.Options{
		Descriptor: desc,
		Advertising: ble.AdvertisingParameters{
			ConnMode:    connMode(cfg.Advertising.ConnMode),
			DiscMode:    discMode(cfg.Advertising.DiscMode),
			IntervalMin: cfg.Advertising.IntervalMin,
			IntervalMax: cfg.Advertising.IntervalMax,
			LocalName:   DeviceName(cfg),
		},
		Notifier: peripheral.NotifierOptions{
			Interval:   cfg.Notifier.Interval,
			MaxPayload: cfg.Notifier.MaxPayload,
			Formatter:  formatter,
		},
		PoolSize: cfg.Notifier.PoolSize,
		Observer: observer,
		Logger:   logger,
	}
	if cc := cfg.Connection; cc.Enabled() {
		opts.ConnParams = &ble.ConnParams{
			IntervalMin:        cc.IntervalMin,
			IntervalMax:        cc.IntervalMax,
			Latency:            cc.Latency,
			SupervisionTimeout: cc.SupervisionTimeout,
		}
	}
	return opts, nil
}

// NewStack opens the configured host stack.
func NewStack(cfg *config.Config) (ble.Stack, error) {
	switch cfg.Backend.Type {
	case "sim":
		return ble.NewSimStack(ble.DefaultSimOptions()), nil
	case "bluez":
		return ble.NewBlueZStack(cfg.Backend.Adapter)
	}
	return nil, fmt.Errorf("app: unknown backend %q", cfg.Backend.Type)
}

// Run starts the optional MQTT bridge and runs the peripheral on stack
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, stack ble.Stack, logger *slog.Logger) error {
	var observer peripheral.Observer
	if cfg.MQTT.Enabled {
		b := bridge.New(cfg.MQTT.TopicPrefix, DeviceName(cfg), cfg.MQTT.QueueSize, logger)
		pub := bridge.NewMQTTPublisher(bridge.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Will:     b.Will(),
		}, logger)
		defer pub.Close()

		observer = b
		go func() {
			if err := pub.Connect(ctx); err != nil {
				logger.Warn("[MQTT] connect failed; continuing without mirror", "error", err)
				return
			}
			b.Run(ctx, pub)
		}()
	}

	opts, err := Options(cfg, logger, observer)
	if err != nil {
		return err
	}
	p, err := peripheral.New(stack, opts)
	if err != nil {
		return err
	}

	logger.Info("[BLE] starting peripheral",
		"name", opts.Advertising.LocalName,
		"profile", cfg.Device.Profile,
		"backend", cfg.Backend.Type,
	)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s := p.Notifier().Stats()
	logger.Info("[BLE] peripheral stopped", "sent", s.Sent, "failed", s.Failed, "skipped", s.Skipped)
	return nil
}
