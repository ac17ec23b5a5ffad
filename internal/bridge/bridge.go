// Package bridge mirrors peripheral activity to an MQTT broker: lifecycle
// transitions to <prefix>/<device>/state, notified payloads to
// <prefix>/<device>/tx and received writes to <prefix>/<device>/rx.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/peripheral"
)

// publishTimeout bounds each broker round trip.
const publishTimeout = 5 * time.Second

// Publisher sends one message to a topic, giving up when ctx is done.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// StateMessage is the JSON body published on the state topic.
type StateMessage struct {
	Device string    `json:"device"`
	State  string    `json:"state"`
	From   string    `json:"from"`
	Cause  string    `json:"cause"`
	Conn   *uint16   `json:"conn,omitempty"`
	At     time.Time `json:"at"`
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge is a peripheral.Observer that queues messages and publishes them
// from its own goroutine. A full queue drops the message so observer
// callbacks never block.
type Bridge struct {
	prefix string
	device string
	logger *slog.Logger
	queue  chan message

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

var _ peripheral.Observer = (*Bridge)(nil)

// New creates a bridge publishing under prefix/device with a queue of
// queueSize messages. Nothing is sent until Run.
func New(prefix, device string, queueSize int, logger *slog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		prefix: prefix,
		device: device,
		logger: logger,
		queue:  make(chan message, queueSize),
	}
}

// Topic returns the full topic for a leaf such as "state".
func (b *Bridge) Topic(leaf string) string {
	return b.prefix + "/" + b.device + "/" + leaf
}

// Will returns the retained state the broker should publish if the bridge
// drops off. Its At is the time the will was built.
func (b *Bridge) Will() *Will {
	data, err := json.Marshal(StateMessage{
		Device: b.device,
		State:  "offline",
		Cause:  "bridge lost",
		At:     time.Now(),
	})
	if err != nil {
		b.logger.Error("[MQTT] encode will", "error", err)
		return nil
	}
	return &Will{Topic: b.Topic("state"), Payload: data}
}

func (b *Bridge) OnTransition(t peripheral.Transition) {
	msg := StateMessage{
		Device: b.device,
		State:  t.To.String(),
		From:   t.From.String(),
		Cause:  t.Cause,
		At:     t.At,
	}
	if t.To == peripheral.StateConnected {
		c := uint16(t.Conn)
		msg.Conn = &c
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("[MQTT] encode state", "error", err)
		return
	}
	b.enqueue(message{topic: b.Topic("state"), payload: data, retained: true})
}

func (b *Bridge) OnNotify(_ ble.ConnHandle, payload []byte) {
	b.enqueue(message{topic: b.Topic("tx"), payload: append([]byte(nil), payload...)})
}

func (b *Bridge) OnReceive(_ ble.ConnHandle, payload []byte) {
	b.enqueue(message{topic: b.Topic("rx"), payload: append([]byte(nil), payload...)})
}

func (b *Bridge) enqueue(m message) {
	select {
	case b.queue <- m:
	default:
		n := b.dropped.Add(1)
		b.logger.Debug("[MQTT] queue full, message dropped", "topic", m.topic, "dropped", n)
	}
}

// Run publishes queued messages through pub until ctx is cancelled. A
// failed message is counted and not retried.
func (b *Bridge) Run(ctx context.Context, pub Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.queue:
			b.publish(ctx, pub, m)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, pub Publisher, m message) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := pub.Publish(ctx, m.topic, m.payload, m.retained); err != nil {
		b.failed.Add(1)
		b.logger.Warn("[MQTT] publish failed", "topic", m.topic, "error", err)
		return
	}
	b.published.Add(1)
}

// Stats returns published, failed and dropped message counts.
func (b *Bridge) Stats() (published, failed, dropped uint64) {
	return b.published.Load(), b.failed.Load(), b.dropped.Load()
}
