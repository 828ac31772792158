package fbqueue

import (
	"context"

	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/pkg/pgnotify"
)

// wakeChannel is the LISTEN/NOTIFY channel a Queue publishes to on enqueue
// and a Worker subscribes to, so a freshly queued op gets picked up on the
// next tick rather than waiting a full PollInterval out — an optimization
// on top of the baseline poll loop, not a replacement for it (NOTIFY
// delivery isn't durable across a dropped connection; the poll loop is
// what actually guarantees an op gets claimed).
const wakeChannel = "chronos_fallback_wake"

// Notifier wires a pgnotify.Bus into a Queue/Worker pair for wake-on-
// enqueue. Optional: a Queue/Worker pair with no Notifier attached just
// relies on the poll interval.
type Notifier struct {
	bus *pgnotify.Bus
	log *logging.Logger
}

// NewNotifier opens a dedicated LISTEN connection against dsn.
func NewNotifier(dsn string, log *logging.Logger) (*Notifier, error) {
	bus, err := pgnotify.New(dsn)
	if err != nil {
		return nil, err
	}
	return &Notifier{bus: bus, log: log}, nil
}

// Close releases the underlying LISTEN connection.
func (n *Notifier) Close() error {
	return n.bus.Close()
}

// Publish notifies any listening Worker that an op was just enqueued.
func (n *Notifier) Publish(ctx context.Context, requestID string) {
	if err := n.bus.Publish(ctx, wakeChannel, map[string]string{"requestId": requestID}); err != nil && n.log != nil {
		n.log.WithContext(ctx).WithError(err).Warn("fbqueue: wake notify publish failed")
	}
}

// Attach subscribes w to wake immediately whenever Publish fires, instead
// of waiting for the next PollInterval tick.
func (n *Notifier) Attach(w *Worker) error {
	return n.bus.Subscribe(wakeChannel, func(ctx context.Context, _ pgnotify.Event) error {
		w.wake()
		return nil
	})
}
