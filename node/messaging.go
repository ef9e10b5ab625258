package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/metrics"
	"github.com/TFMV/furydcc/transfer"
)

const (
	// maxFrameSize bounds a single control message.
	maxFrameSize = 64 * 1024
	// redialInterval is the pause between attempts to reach a configured peer.
	redialInterval = 5 * time.Second
	// helloTimeout bounds the identification exchange on a new link.
	helloTimeout = 10 * time.Second
)

var (
	// ErrUnknownPeer is returned when no control link to the nick is up.
	ErrUnknownPeer = errors.New("no control link to peer")
	// ErrFrameTooLarge is returned for frames above maxFrameSize.
	ErrFrameTooLarge = errors.New("control frame too large")
)

// MessageHandler receives offers and accepts from remote peers.
type MessageHandler func(from transfer.Remote, msg dcc.Message) error

// Messenger carries DCC control messages between nodes over TCP. Each frame
// is a 4-byte big-endian length followed by a dcc flatbuffers message. The
// first frame in each direction is a hello naming the participant; the link
// is then addressable by that nick.
type Messenger struct {
	logger  *zap.Logger
	self    transfer.Remote
	handler MessageHandler

	mu    sync.RWMutex
	links map[string]*link
	ln    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type link struct {
	conn    net.Conn
	remote  transfer.Remote
	writeMu sync.Mutex
}

// NewMessenger creates a Messenger presenting self to its peers.
func NewMessenger(logger *zap.Logger, self transfer.Remote) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		logger: logger,
		self:   self,
		links:  make(map[string]*link),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler sets the function receiving inbound offers and accepts. It must
// be called before Listen or Connect.
func (m *Messenger) SetHandler(handler MessageHandler) {
	m.handler = handler
}

// Listen accepts control links on addr.
func (m *Messenger) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for control links: %w", err)
	}

	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()

	m.logger.Info("Control link listening", zap.String("addr", ln.Addr().String()))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if m.ctx.Err() == nil {
					m.logger.Warn("Control link accept failed", zap.Error(err))
				}
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.serve(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (m *Messenger) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Connect keeps a control link to addr up until Close, redialing when it drops.
func (m *Messenger) Connect(addr string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			var d net.Dialer
			conn, err := d.DialContext(m.ctx, "tcp", addr)
			if err == nil {
				m.serve(conn)
			} else if m.ctx.Err() == nil {
				m.logger.Debug("Control link dial failed", zap.String("addr", addr), zap.Error(err))
			}

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(redialInterval):
			}
		}
	}()
}

// Peers returns the nicks with an established link.
func (m *Messenger) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nicks := make([]string, 0, len(m.links))
	for nick := range m.links {
		nicks = append(nicks, nick)
	}
	return nicks
}

// SendOffer implements transfer.Outbound.
func (m *Messenger) SendOffer(ctx context.Context, to transfer.Remote, msg dcc.Send) error {
	return m.send(ctx, to, dcc.KindOffer, msg)
}

// SendAccept implements transfer.Outbound.
func (m *Messenger) SendAccept(ctx context.Context, to transfer.Remote, msg dcc.Send) error {
	return m.send(ctx, to, dcc.KindAccept, msg)
}

func (m *Messenger) send(ctx context.Context, to transfer.Remote, kind dcc.Kind, msg dcc.Send) error {
	m.mu.RLock()
	l, ok := m.links[to.Nick]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to.Nick)
	}

	data := dcc.Marshal(dcc.Message{
		Kind:     kind,
		Nick:     m.self.Nick,
		Hostmask: m.self.Hostmask,
		Send:     msg,
	})
	if err := l.write(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", kind, to.Nick, err)
	}

	metrics.ControlMessages.WithLabelValues(kind.String(), "out").Inc()
	m.logger.Debug("Control message sent",
		zap.Stringer("kind", kind),
		zap.String("to", to.Nick),
		zap.String("file_name", msg.FileName))
	return nil
}

// serve runs one link until it fails or the messenger closes.
func (m *Messenger) serve(conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(m.ctx, func() { conn.Close() })
	defer stop()

	l := &link{conn: conn}
	hello := dcc.Marshal(dcc.Message{Kind: dcc.KindHello, Nick: m.self.Nick, Hostmask: m.self.Hostmask})
	if err := l.write(m.ctx, hello); err != nil {
		m.logger.Debug("Control link hello failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	first, err := readFrame(conn)
	if err != nil {
		m.logger.Debug("Control link closed before hello", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := dcc.Unmarshal(first)
	if err != nil || msg.Kind != dcc.KindHello || msg.Nick == "" {
		m.logger.Warn("Control link did not start with hello", zap.Stringer("peer", conn.RemoteAddr()))
		return
	}

	l.remote = transfer.Remote{Nick: msg.Nick, Hostmask: msg.Hostmask}
	if l.remote.Hostmask == "" {
		l.remote.Hostmask = l.remote.Nick
	}
	m.register(l)
	defer m.unregister(l)

	m.logger.Info("Control link up",
		zap.String("nick", l.remote.Nick),
		zap.Stringer("peer", conn.RemoteAddr()))

	for {
		data, err := readFrame(conn)
		if err != nil {
			if m.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				m.logger.Warn("Control link read failed", zap.String("nick", l.remote.Nick), zap.Error(err))
			}
			m.logger.Info("Control link down", zap.String("nick", l.remote.Nick))
			return
		}
		m.dispatch(l, data)
	}
}

func (m *Messenger) dispatch(l *link, data []byte) {
	msg, err := dcc.Unmarshal(data)
	if err != nil {
		m.logger.Warn("Dropping malformed control message", zap.String("nick", l.remote.Nick), zap.Error(err))
		return
	}
	metrics.ControlMessages.WithLabelValues(msg.Kind.String(), "in").Inc()

	switch msg.Kind {
	case dcc.KindOffer, dcc.KindAccept:
	default:
		m.logger.Debug("Ignoring control message", zap.Stringer("kind", msg.Kind))
		return
	}

	if m.handler == nil {
		m.logger.Warn("No handler for control message", zap.Stringer("kind", msg.Kind))
		return
	}
	// the link identity is authoritative, not the nick inside the message
	if err := m.handler(l.remote, msg); err != nil {
		m.logger.Error("Handler failed",
			zap.Stringer("kind", msg.Kind),
			zap.String("nick", l.remote.Nick),
			zap.Error(err))
	}
}

func (m *Messenger) register(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.links[l.remote.Nick]; ok {
		old.conn.Close()
	}
	m.links[l.remote.Nick] = l
}

func (m *Messenger) unregister(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.remote.Nick] == l {
		delete(m.links, l.remote.Nick)
	}
}

// Close tears down the listener and every link.
func (m *Messenger) Close() {
	m.cancel()

	m.mu.Lock()
	if m.ln != nil {
		m.ln.Close()
	}
	for _, l := range m.links {
		l.conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (l *link) write(ctx context.Context, data []byte) error {
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err := l.conn.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
