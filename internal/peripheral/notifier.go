package peripheral

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/ble/protocol"
)

// NotifierOptions configures the periodic notifier.
type NotifierOptions struct {
	Interval   time.Duration      // time between ticks
	MaxPayload int                // payload bytes per notification
	Formatter  protocol.Formatter // payload text for each sequence number
}

// DefaultNotifierOptions returns a 500ms "Hello %d" notifier.
func DefaultNotifierOptions() NotifierOptions {
	f, _ := protocol.NewCounterFormatter(protocol.DefaultFormat)
	return NotifierOptions{
		Interval:   500 * time.Millisecond,
		MaxPayload: ble.DefaultMaxPayload,
		Formatter:  f,
	}
}

// TickResult is the outcome of one notifier tick.
type TickResult int

const (
	TickSkipped TickResult = iota // not ready, nothing attempted
	TickSent                      // handed to the stack
	TickFailed                    // buffer or delivery failure
)

func (r TickResult) String() string {
	switch r {
	case TickSkipped:
		return "skipped"
	case TickSent:
		return "sent"
	case TickFailed:
		return "failed"
	}
	return "unknown"
}

// NotifierStats counts tick outcomes.
type NotifierStats struct {
	Ticks   uint64
	Sent    uint64
	Skipped uint64
	Failed  uint64
}

// Notifier sends one notification per tick to the connected central.
type Notifier struct {
	stack    ble.Stack
	state    *ConnectionState
	pool     *ble.MbufPool
	opts     NotifierOptions
	observer Observer
	logger   *slog.Logger

	seq     atomic.Uint64
	ticks   atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// NewNotifier creates a notifier drawing buffers from pool. Zero option
// fields take their defaults.
func NewNotifier(stack ble.Stack, state *ConnectionState, pool *ble.MbufPool, opts NotifierOptions, observer Observer, logger *slog.Logger) *Notifier {
	def := DefaultNotifierOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = def.MaxPayload
	}
	if opts.MaxPayload > pool.Size() {
		opts.MaxPayload = pool.Size()
	}
	if opts.Formatter == nil {
		opts.Formatter = def.Formatter
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		stack:    stack,
		state:    state,
		pool:     pool,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.opts.Interval)
	defer ticker.Stop()

	n.logger.Info("[NOTIFY] notifier started", "interval", n.opts.Interval, "max_payload", n.opts.MaxPayload)
	for {
		select {
		case <-ctx.Done():
			s := n.Stats()
			n.logger.Info("[NOTIFY] notifier stopped", "ticks", s.Ticks, "sent", s.Sent, "failed", s.Failed)
			return ctx.Err()
		case <-ticker.C:
			n.Tick()
		}
	}
}

// Tick performs a single notification attempt. It never retries.
func (n *Notifier) Tick() TickResult {
	n.ticks.Add(1)

	snap := n.state.Snapshot()
	if !snap.Ready() {
		n.skipped.Add(1)
		n.logger.Debug("[NOTIFY] not ready",
			"state", snap.State.String(),
			"has_conn", snap.HasConn,
			"has_char", snap.HasChar,
		)
		return TickSkipped
	}

	seq := n.seq.Add(1)
	text := protocol.ClampText(n.opts.Formatter.Format(seq), n.opts.MaxPayload)

	om, err := n.pool.FromFlat([]byte(text))
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("[NOTIFY] no buffer for notification", "seq", seq, "in_use", n.pool.InUse(), "error", err)
		return TickFailed
	}

	// The snapshot may be stale by now; Notify reports that itself.
	if err := n.stack.Notify(snap.Conn, snap.Char, om); err != nil {
		om.Free()
		n.failed.Add(1)
		n.logger.Warn("[NOTIFY] notify failed",
			"conn", snap.Conn,
			"attr", snap.Char,
			"status", ble.StatusCode(err),
			"class", ble.Classify(err).String(),
			"error", err,
		)
		return TickFailed
	}

	n.sent.Add(1)
	n.logger.Debug("[NOTIFY] sent", "conn", snap.Conn, "attr", snap.Char, "payload", text)
	n.observer.OnNotify(snap.Conn, []byte(text))
	return TickSent
}

// Stats returns the tick counters.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Ticks:   n.ticks.Load(),
		Sent:    n.sent.Load(),
		Skipped: n.skipped.Load(),
		Failed:  n.failed.Load(),
	}
}
