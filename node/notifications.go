package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TFMV/furydcc/transfer"
)

// Notification is a user-facing message about a transfer.
type Notification struct {
	TransferID transfer.ID
	Title      string
	Body       string
}

// Notifier turns transfer events into notifications and tracks whether any
// transfer still needs the user's attention.
type Notifier struct {
	logger  *zap.Logger
	manager *transfer.Manager
	sink    func(Notification)

	// indicator is the last pending state seen by Run
	indicator bool
}

// NewNotifier creates a Notifier. Notifications go to sink, or only to the
// log when sink is nil.
func NewNotifier(logger *zap.Logger, manager *transfer.Manager, sink func(Notification)) *Notifier {
	return &Notifier{
		logger:  logger,
		manager: manager,
		sink:    sink,
	}
}

// Pending reports whether unacknowledged transfers exist.
func (n *Notifier) Pending() bool {
	return !n.manager.IsEmpty()
}

// Run consumes events until ctx is cancelled or the manager closes.
func (n *Notifier) Run(ctx context.Context) {
	events, unsubscribe := n.manager.Subscribe()
	defer unsubscribe()

	n.indicator = n.Pending()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n.handle(e)
		}
	}
}

func (n *Notifier) handle(e transfer.Event) {
	rec := e.Transfer

	switch {
	case e.Kind == transfer.EventOffered && rec.State == transfer.StateAwaitingAccept:
		n.notify(Notification{
			TransferID: rec.ID,
			Title:      fmt.Sprintf("File transfer from %s", rec.Remote.Nick),
			Body:       rec.FileName,
		})
	case e.Kind == transfer.EventState && rec.State.Terminal():
		n.notify(outcome(rec))
	}

	if pending := n.Pending(); pending != n.indicator {
		n.indicator = pending
		n.logger.Debug("Transfer indicator changed", zap.Bool("pending", pending))
	}
}

func outcome(rec transfer.Record) Notification {
	notification := Notification{TransferID: rec.ID, Body: rec.FileName}

	verb := "to"
	if rec.Role == transfer.RoleReceiver {
		verb = "from"
	}

	switch rec.State {
	case transfer.StateCompleted:
		notification.Title = fmt.Sprintf("Transfer %s %s completed", verb, rec.Remote.Nick)
	case transfer.StateTimedOut:
		notification.Title = fmt.Sprintf("Transfer %s %s timed out", verb, rec.Remote.Nick)
	case transfer.StateCancelled:
		notification.Title = fmt.Sprintf("Transfer %s %s cancelled", verb, rec.Remote.Nick)
	default:
		notification.Title = fmt.Sprintf("Transfer %s %s failed", verb, rec.Remote.Nick)
		if rec.Reason != transfer.ReasonNone {
			notification.Body = fmt.Sprintf("%s (%s)", rec.FileName, rec.Reason)
		}
	}
	return notification
}

func (n *Notifier) notify(notification Notification) {
	n.logger.Info(notification.Title,
		zap.String("transfer_id", string(notification.TransferID)),
		zap.String("body", notification.Body))
	if n.sink != nil {
		n.sink(notification)
	}
}
