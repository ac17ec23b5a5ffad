package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errPublisherClosed = errors.New("bridge: mqtt publisher closed")

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	QoS      byte  // defaults to 1
	Will     *Will // published by the broker if the link drops
}

// Will is a retained last-will message.
type Will struct {
	Topic   string
	Payload []byte
}

// MQTTPublisher is a Publisher backed by a paho client. Timeouts come from
// the caller's context.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger
	closed atomic.Bool
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher creates a publisher. Nothing is dialed until Connect.
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("[MQTT] connected", "broker", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("[MQTT] connection lost", "error", err)
		})
	if w := opts.Will; w != nil {
		co.SetBinaryWill(w.Topic, w.Payload, qos, true)
	}

	return &MQTTPublisher{
		client: mqtt.NewClient(co),
		qos:    qos,
		logger: logger,
	}
}

// Connect dials the broker and waits until the first connection is up or
// ctx is done. paho keeps retrying in the background meanwhile.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return errPublisherClosed
	}
	return wait(ctx, p.client.Connect(), "connect")
}

// Publish sends payload and waits for the broker's ack.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if p.closed.Load() {
		return errPublisherClosed
	}
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("bridge: mqtt publish %s: not connected", topic)
	}
	return wait(ctx, p.client.Publish(topic, p.qos, retained, payload), "publish "+topic)
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	return !p.closed.Load() && p.client.IsConnectionOpen()
}

// Close disconnects from the broker. It is safe to call more than once.
func (p *MQTTPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.client.Disconnect(250)
	p.logger.Info("[MQTT] disconnected")
	return nil
}

func wait(ctx context.Context, tok mqtt.Token, op string) error {
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("bridge: mqtt %s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: mqtt %s: %w", op, ctx.Err())
	}
}
