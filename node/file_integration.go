package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furydcc/config"
	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/transfer"
)

// FileManager integrates the transfer manager with the control link and
// the notifier.
type FileManager struct {
	logger    *zap.Logger
	cfg       config.Control
	manager   *transfer.Manager
	messenger *Messenger
	notifier  *Notifier

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileManager creates a FileManager from a loaded configuration. The
// control link is only created when a listen address or peers are
// configured; otherwise outbound messages are only logged.
func NewFileManager(logger *zap.Logger, cfg *config.Config, sink func(Notification)) (*FileManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("failed to create file manager: no configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	fm := &FileManager{
		logger: logger,
		cfg:    cfg.Control,
		ctx:    ctx,
		cancel: cancel,
	}

	var out transfer.Outbound
	if cfg.Control.Listen != "" || len(cfg.Control.Peers) > 0 {
		fm.messenger = NewMessenger(logger.Named("control"), transfer.Remote{
			Nick:     cfg.Control.Nick,
			Hostmask: cfg.Control.Hostmask,
		})
		out = fm.messenger
	} else {
		out = transfer.NewLogOutbound(logger)
	}

	fm.manager = transfer.NewManager(logger.Named("transfer"), cfg.FileTransfer, out)
	fm.notifier = NewNotifier(logger.Named("notify"), fm.manager, sink)

	if fm.messenger != nil {
		fm.messenger.SetHandler(fm.handleControlMessage)
	}

	return fm, nil
}

// Start brings up the control link and the notifier.
func (fm *FileManager) Start() error {
	if fm.messenger != nil {
		if fm.cfg.Listen != "" {
			if err := fm.messenger.Listen(fm.cfg.Listen); err != nil {
				return err
			}
		}
		for _, peer := range fm.cfg.Peers {
			fm.messenger.Connect(peer)
		}
	}

	fm.wg.Add(1)
	go func() {
		defer fm.wg.Done()
		fm.notifier.Run(fm.ctx)
	}()

	fm.logger.Info("File manager started",
		zap.String("nick", fm.cfg.Nick),
		zap.Bool("control_link", fm.messenger != nil))
	return nil
}

// Stop cancels running transfers and closes the control link.
func (fm *FileManager) Stop() {
	fm.cancel()
	fm.manager.Close()
	if fm.messenger != nil {
		fm.messenger.Close()
	}
	fm.wg.Wait()
	fm.logger.Info("File manager stopped")
}

// Manager returns the transfer manager.
func (fm *FileManager) Manager() *transfer.Manager {
	return fm.manager
}

// Messenger returns the control link, or nil when none is configured.
func (fm *FileManager) Messenger() *Messenger {
	return fm.messenger
}

// Notifier returns the notifier.
func (fm *FileManager) Notifier() *Notifier {
	return fm.notifier
}

func (fm *FileManager) handleControlMessage(from transfer.Remote, msg dcc.Message) error {
	var (
		rec transfer.Record
		err error
	)
	switch msg.Kind {
	case dcc.KindOffer:
		rec, err = fm.manager.ReceiveOffer(from, msg.Send)
	case dcc.KindAccept:
		// the token of an accept is the ID of our passive offer
		id, perr := transfer.ParseID(msg.Send.Token)
		if perr != nil {
			return fmt.Errorf("accept from %s carries no transfer token: %w", from.Nick, perr)
		}
		rec, err = fm.manager.ReceiveAccept(id, msg.Send.Address, msg.Send.Port)
	default:
		return fmt.Errorf("unexpected control message %s", msg.Kind)
	}
	if err != nil {
		return err
	}

	fm.logger.Debug("Control message handled",
		zap.Stringer("kind", msg.Kind),
		zap.String("transfer_id", string(rec.ID)),
		zap.Stringer("state", rec.State))
	return nil
}
