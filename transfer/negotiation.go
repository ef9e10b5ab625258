package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/file"
	"github.com/TFMV/furydcc/metrics"
)

var (
	errTimedOut = errors.New("no decision before timeout")
	errNoServer = errors.New("no server block configured, cannot listen")
)

// negotiation drives one transfer record. Every field below mu is guarded by
// it, and events for the record are published while it is held so that they
// reach subscribers in transition order.
type negotiation struct {
	m      *Manager
	logger *zap.Logger

	mu  sync.Mutex
	rec Record

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	conn     net.Conn
	port     uint16

	// peer is the endpoint to dial when this side is the connector.
	peer netip.AddrPort
	// token is echoed back when answering a passive offer.
	token string
	// source is the local file of a sending transfer.
	source string
	// deadline is the decision timeout; zero once Connecting is reached.
	deadline time.Time

	connectStart time.Time
	lastProgress time.Time
	published    uint64
	counted      uint64
}

func (m *Manager) newNegotiation(role Role, mode Mode, remote Remote, name string, size uint64) *negotiation {
	now := m.now()
	id := newID()
	ctx, cancel := context.WithCancel(m.ctx)

	n := &negotiation{
		m: m,
		logger: m.logger.With(
			zap.String("transfer_id", string(id)),
			zap.String("role", string(role)),
			zap.String("mode", string(mode)),
			zap.String("remote", remote.Nick)),
		rec: Record{
			ID:        id,
			Role:      role,
			Mode:      mode,
			Remote:    remote,
			FileName:  name,
			Size:      size,
			CreatedAt: now,
			UpdatedAt: now,
			State:     StatePending,
		},
		ctx:      ctx,
		cancel:   cancel,
		deadline: now.Add(m.cfg.Timeout),
	}
	return n
}

func (n *negotiation) publishLocked(kind EventKind) {
	n.m.bus.Publish(Event{
		Kind:     kind,
		Transfer: n.rec,
		Time:     n.m.now(),
	})
}

func (n *negotiation) transitionLocked(to State) bool {
	from := n.rec.State
	if !canTransition(from, to) {
		return false
	}

	n.rec.State = to
	n.rec.UpdatedAt = n.m.now()
	if to > StateAwaitingAccept {
		n.deadline = time.Time{}
	}
	if to == StateConnecting && n.connectStart.IsZero() {
		n.connectStart = time.Now()
	}

	n.logger.Debug("Transfer state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	n.publishLocked(EventState)
	return true
}

// finishLocked moves the record to a terminal state. The context is
// cancelled, the lease released and sockets closed before the terminal event
// is published.
func (n *negotiation) finishLocked(state State, reason Reason, cause error) bool {
	if !state.Terminal() || !canTransition(n.rec.State, state) {
		return false
	}

	n.flushProgressLocked()

	n.rec.Reason = reason
	if cause != nil {
		n.rec.Error = cause.Error()
	}

	n.cancel()
	n.releaseLocked()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}

	n.transitionLocked(state)

	metrics.TransfersInFlight.Dec()
	outcome := state.String()
	if reason != ReasonNone {
		outcome = string(reason)
	}
	metrics.TransfersTotal.WithLabelValues(outcome).Inc()

	fields := []zap.Field{
		zap.Stringer("state", state),
		zap.String("file_name", n.rec.FileName),
		zap.Uint64("transferred", n.rec.Progress.Transferred),
	}
	if reason != ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if state == StateFailed {
		n.logger.Warn("Transfer finished", fields...)
	} else {
		n.logger.Info("Transfer finished", fields...)
	}
	return true
}

// releaseLocked closes the listener and returns the leased port.
func (n *negotiation) releaseLocked() {
	if n.listener != nil {
		n.listener.Close()
		n.listener = nil
	}
	if n.port != 0 {
		n.m.allocator.Release(n.port)
		metrics.PortLeases.Dec()
		n.port = 0
		n.rec.LocalPort = 0
	}
}

// listenLocked leases a port and binds it.
func (n *negotiation) listenLocked() error {
	if n.m.allocator == nil {
		return errNoServer
	}

	port, err := n.m.allocator.Lease(string(n.rec.ID))
	if err != nil {
		return err
	}
	n.port = port
	metrics.PortLeases.Inc()

	addr := netip.AddrPortFrom(n.m.cfg.Server.BindAddress, port)
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		n.releaseLocked()
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	n.listener = ln
	n.rec.LocalPort = port
	if n.connectStart.IsZero() {
		// an active sender waits for its peer from here
		n.connectStart = time.Now()
	}

	n.logger.Debug("Listening for peer", zap.Stringer("addr", addr))
	return nil
}

// advertiseLocked describes the local listener to the peer.
func (n *negotiation) advertiseLocked() dcc.Send {
	return dcc.Send{
		FileName: n.rec.FileName,
		Address:  n.m.cfg.Server.PublicAddress,
		Port:     n.port,
		Size:     n.rec.Size,
		Token:    n.token,
	}
}

// beginConnectLocked leaves the decision phase. A listening receiver binds
// and answers the offer; a connecting receiver dials the sender.
func (n *negotiation) beginConnectLocked() {
	n.transitionLocked(StateConnecting)

	if !IsListener(n.rec.Role, n.rec.Mode) {
		peer := n.peer
		n.m.goFunc(func() { n.dial(peer) })
		return
	}

	if err := n.listenLocked(); err != nil {
		n.finishLocked(StateFailed, ReasonNoPortAvailable, err)
		return
	}
	ln := n.listener
	msg := n.advertiseLocked()
	remote := n.rec.Remote
	n.m.goFunc(func() { n.announce(ln, remote, msg) })
}

// announce sends the passive accept and waits for the sender to connect.
func (n *negotiation) announce(ln net.Listener, remote Remote, msg dcc.Send) {
	if err := n.m.out.SendAccept(n.ctx, remote, msg); err != nil {
		n.mu.Lock()
		n.finishLocked(StateFailed, ReasonConnectFailed, fmt.Errorf("failed to send accept: %w", err))
		n.mu.Unlock()
		return
	}
	n.waitInbound(ln, time.Now().Add(n.m.cfg.ConnectTimeout))
}

// waitInbound accepts the peer's connection on ln. A zero deadline waits
// until the listener is closed.
func (n *negotiation) waitInbound(ln net.Listener, deadline time.Time) {
	_, span := otel.Tracer("furydcc/transfer").Start(n.ctx, "waitInbound")
	if tl, ok := ln.(*net.TCPListener); ok && !deadline.IsZero() {
		_ = tl.SetDeadline(deadline)
	}

	conn, err := ln.Accept()
	span.End()
	if err != nil {
		n.mu.Lock()
		n.finishLocked(StateFailed, ReasonConnectFailed, fmt.Errorf("failed to accept peer connection: %w", err))
		n.mu.Unlock()
		return
	}

	n.logger.Debug("Peer connected", zap.Stringer("peer", conn.RemoteAddr()))
	n.run(conn)
}

// dial connects to the listening peer within the connect timeout.
func (n *negotiation) dial(addr netip.AddrPort) {
	ctx, cancel := context.WithTimeout(n.ctx, n.m.cfg.ConnectTimeout)
	defer cancel()

	ctx, span := otel.Tracer("furydcc/transfer").Start(ctx, "dial")
	span.SetAttributes(attribute.String("peer", addr.String()))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	span.End()
	if err != nil {
		n.mu.Lock()
		n.finishLocked(StateFailed, ReasonConnectFailed, fmt.Errorf("failed to connect to %s: %w", addr, err))
		n.mu.Unlock()
		return
	}

	n.run(conn)
}

// run hands an established connection to a session and records the outcome.
func (n *negotiation) run(conn net.Conn) {
	n.mu.Lock()
	if n.rec.State.Terminal() {
		n.mu.Unlock()
		conn.Close()
		return
	}

	// an active sender arrives here still in AwaitingAccept
	n.transitionLocked(StateConnecting)
	n.conn = conn
	n.releaseLocked()
	metrics.ConnectLatency.Observe(time.Since(n.connectStart).Seconds())
	n.transitionLocked(StateTransferring)

	cfg := file.SessionConfig{
		Size:       n.rec.Size,
		ChunkSize:  n.m.cfg.ChunkSize,
		Limiter:    file.NewBWLimiter(n.m.cfg.MaxRate),
		OnProgress: n.onProgress,
	}
	if n.rec.Role == RoleSender {
		cfg.Direction = file.DirectionSend
		cfg.Path = n.source
	} else {
		cfg.Direction = file.DirectionReceive
		cfg.Path = n.rec.SavePath
	}
	n.mu.Unlock()

	session := file.NewSession(n.logger, conn, cfg)
	progress, err := session.Run(n.ctx)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rec.State == StateTransferring && progress.Transferred >= n.rec.Progress.Transferred {
		n.countLocked(progress.Transferred)
		n.rec.Progress = progress
	}

	switch {
	case err == nil:
		n.finishLocked(StateCompleted, ReasonNone, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		n.finishLocked(StateCancelled, ReasonNone, nil)
	case errors.Is(err, file.ErrTruncated):
		n.finishLocked(StateFailed, ReasonTruncated, err)
	case errors.Is(err, file.ErrDestinationUnwritable):
		n.finishLocked(StateFailed, ReasonDestinationUnwritable, err)
	default:
		n.finishLocked(StateFailed, ReasonIO, err)
	}
}

// onProgress is called by the session after every chunk. Events are
// coalesced to one per progress interval.
func (n *negotiation) onProgress(p file.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rec.State != StateTransferring {
		return
	}
	n.countLocked(p.Transferred)
	n.rec.Progress = p

	now := n.m.now()
	if interval := n.m.cfg.ProgressInterval; interval > 0 && !n.lastProgress.IsZero() && now.Sub(n.lastProgress) < interval {
		return
	}
	n.lastProgress = now
	n.published = p.Transferred
	n.publishLocked(EventProgress)
}

// flushProgressLocked publishes progress that was coalesced away, so the
// last progress event before a terminal one is exact.
func (n *negotiation) flushProgressLocked() {
	if n.rec.State != StateTransferring || n.rec.Progress.Transferred == n.published {
		return
	}
	n.published = n.rec.Progress.Transferred
	n.publishLocked(EventProgress)
}

func (n *negotiation) countLocked(transferred uint64) {
	if transferred <= n.counted {
		return
	}
	direction := string(file.DirectionReceive)
	if n.rec.Role == RoleSender {
		direction = string(file.DirectionSend)
	}
	metrics.TransferBytes.WithLabelValues(direction).Add(float64(transferred - n.counted))
	n.counted = transferred
}
