package transfer

import (
	"context"

	"go.uber.org/zap"

	"github.com/TFMV/furydcc/dcc"
)

// Outbound carries control messages to the remote participant. It is
// implemented by whatever chat or control link connects the two sides.
type Outbound interface {
	// SendOffer delivers a DCC SEND offer.
	SendOffer(ctx context.Context, to Remote, msg dcc.Send) error
	// SendAccept answers a passive offer with the address and port the
	// local side listens on.
	SendAccept(ctx context.Context, to Remote, msg dcc.Send) error
}

// LogOutbound writes the CTCP form of every control message to the log. It
// stands in for a chat session when the operator relays offers by hand.
type LogOutbound struct {
	logger *zap.Logger
}

// NewLogOutbound creates a LogOutbound.
func NewLogOutbound(logger *zap.Logger) *LogOutbound {
	return &LogOutbound{logger: logger}
}

// SendOffer implements Outbound.
func (o *LogOutbound) SendOffer(_ context.Context, to Remote, msg dcc.Send) error {
	o.logger.Info("DCC offer",
		zap.String("to", to.Nick),
		zap.String("privmsg", "PRIVMSG "+to.Nick+" :"+msg.CTCP()))
	return nil
}

// SendAccept implements Outbound.
func (o *LogOutbound) SendAccept(_ context.Context, to Remote, msg dcc.Send) error {
	o.logger.Info("DCC accept",
		zap.String("to", to.Nick),
		zap.String("privmsg", "PRIVMSG "+to.Nick+" :"+msg.CTCP()))
	return nil
}
