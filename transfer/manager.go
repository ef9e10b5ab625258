package transfer

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furydcc/config"
	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/file"
	"github.com/TFMV/furydcc/metrics"
	"github.com/TFMV/furydcc/policy"
	"github.com/TFMV/furydcc/ports"
)

// DefaultTickInterval is how often the timeout scheduler looks for expired offers.
const DefaultTickInterval = 250 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for record timestamps and timeouts.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithTickInterval sets the timeout scheduler period.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// Manager owns all transfers of a node together with the port allocator and
// the timeout scheduler.
type Manager struct {
	logger    *zap.Logger
	cfg       config.FileTransfer
	out       Outbound
	allocator *ports.Allocator
	bus       *Bus
	now       func() time.Time
	tick      time.Duration

	mu        sync.RWMutex
	transfers map[ID]*negotiation
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager and starts its timeout scheduler.
func NewManager(logger *zap.Logger, cfg config.FileTransfer, out Outbound, opts ...Option) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.AutoAccept == nil {
		cfg.AutoAccept = &policy.Rules{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		out:       out,
		bus:       NewBus(),
		now:       time.Now,
		tick:      DefaultTickInterval,
		transfers: make(map[ID]*negotiation),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Server != nil {
		m.allocator = ports.NewAllocator(cfg.Server.Ports)
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.runScheduler()

	logger.Info("Transfer manager started",
		zap.Bool("passive", cfg.Passive),
		zap.Duration("timeout", cfg.Timeout),
		zap.Bool("listener_capable", cfg.Server != nil),
		zap.Bool("auto_accept", cfg.AutoAccept.Enabled))

	return m
}

// Allocator returns the port allocator, or nil when no server block is configured.
func (m *Manager) Allocator() *ports.Allocator {
	return m.allocator
}

func (m *Manager) goFunc(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) register(n *negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		n.cancel()
		return ErrClosed
	}
	m.transfers[n.rec.ID] = n
	metrics.TransfersInFlight.Inc()
	return nil
}

func (m *Manager) lookup(id ID) (*negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func (m *Manager) snapshot() []*negotiation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*negotiation, 0, len(m.transfers))
	for _, n := range m.transfers {
		list = append(list, n)
	}
	return list
}

// SendFile offers the file at path to remote. In active mode the listener
// is bound before the offer leaves so the offer can carry its port; in
// passive mode the offer carries port 0 and the transfer ID as token.
// Active mode without a server block falls back to passive.
func (m *Manager) SendFile(ctx context.Context, to Remote, path string) (Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Record{}, fmt.Errorf("not a regular file: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to resolve path: %w", err)
	}

	mode := ModePassive
	if !m.cfg.Passive {
		if m.cfg.Server != nil {
			mode = ModeActive
		} else {
			m.logger.Warn("Active mode requested without a server block, sending passive offer")
		}
	}

	n := m.newNegotiation(RoleSender, mode, to, filepath.Base(abs), uint64(info.Size()))
	n.source = abs
	n.token = string(n.rec.ID)
	if err := m.register(n); err != nil {
		return Record{}, err
	}
	return m.offer(ctx, n)
}

// offer binds the listener of an active sender and delivers the offer for a
// registered negotiation.
func (m *Manager) offer(ctx context.Context, n *negotiation) (Record, error) {
	n.mu.Lock()
	if n.rec.State.Terminal() {
		// Close finished the record between register and here
		rec := n.rec
		n.mu.Unlock()
		return rec, ErrClosed
	}
	n.publishLocked(EventState)

	to := n.rec.Remote
	var msg dcc.Send
	if n.rec.Mode == ModeActive {
		if err := n.listenLocked(); err != nil {
			n.finishLocked(StateFailed, ReasonNoPortAvailable, err)
			rec := n.rec
			n.mu.Unlock()
			return rec, nil
		}
		msg = n.advertiseLocked()
		msg.Token = ""
		ln := n.listener
		m.goFunc(func() { n.waitInbound(ln, time.Time{}) })
	} else {
		msg = dcc.Send{
			FileName: n.rec.FileName,
			Size:     n.rec.Size,
			Token:    n.token,
		}
		if m.cfg.Server != nil {
			msg.Address = m.cfg.Server.PublicAddress
		}
	}

	// the record must await the answer before the offer can be answered
	n.transitionLocked(StateAwaitingAccept)
	rec := n.rec
	n.mu.Unlock()

	n.logger.Info("Offering file",
		zap.String("file_name", rec.FileName),
		zap.Uint64("size", rec.Size))

	if err := m.out.SendOffer(ctx, to, msg); err != nil {
		n.mu.Lock()
		n.finishLocked(StateFailed, ReasonConnectFailed, fmt.Errorf("failed to send offer: %w", err))
		rec = n.rec
		n.mu.Unlock()
	}
	return rec, nil
}

// ReceiveOffer records an inbound offer and applies the auto-accept policy.
// An allowed offer moves straight to Connecting with a destination inside
// the save directory; anything else waits in AwaitingAccept.
func (m *Manager) ReceiveOffer(from Remote, msg dcc.Send) (Record, error) {
	name, err := file.SanitizeFileName(msg.FileName)
	if err != nil {
		return Record{}, fmt.Errorf("rejected offer from %s: %w", from.Nick, err)
	}

	mode := ModeActive
	if msg.Passive() {
		mode = ModePassive
	} else if !msg.Address.IsValid() || msg.Address.IsUnspecified() {
		return Record{}, fmt.Errorf("rejected offer from %s: no address to connect to", from.Nick)
	}
	if from.Hostmask == "" {
		from.Hostmask = from.Nick
	}

	n := m.newNegotiation(RoleReceiver, mode, from, name, msg.Size)
	n.peer = msg.AddrPort()
	n.token = msg.Token
	if err := m.register(n); err != nil {
		return Record{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishLocked(EventState)

	n.logger.Info("File transfer offered",
		zap.String("file_name", name),
		zap.Uint64("size", msg.Size),
		zap.String("hostmask", from.Hostmask))

	if m.cfg.AutoAccept.Evaluate(from.Nick, from.Hostmask, m.cfg.SaveDirectory != "") == policy.Allow {
		path, err := file.ResolveDestination(m.cfg.SaveDirectory, name)
		if err == nil {
			n.rec.SavePath = path
			n.logger.Info("Offer auto-accepted", zap.String("save_path", path))
			n.beginConnectLocked()
			return n.rec, nil
		}
		n.logger.Warn("Auto-accept could not resolve a destination", zap.Error(err))
	}

	n.transitionLocked(StateAwaitingAccept)
	n.publishLocked(EventOffered)
	return n.rec, nil
}

// ReceiveAccept handles the receiver's answer to a passive offer: the sender
// dials the advertised endpoint.
func (m *Manager) ReceiveAccept(id ID, addr netip.Addr, port uint16) (Record, error) {
	n, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rec.Role != RoleSender || n.rec.Mode != ModePassive || n.rec.State != StateAwaitingAccept {
		return n.rec, fmt.Errorf("%w: cannot take an accept for a %s %s transfer in state %s",
			ErrInvalidState, n.rec.Mode, n.rec.Role, n.rec.State)
	}
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return n.rec, fmt.Errorf("invalid accept endpoint %s", netip.AddrPortFrom(addr, port))
	}

	n.peer = netip.AddrPortFrom(addr.Unmap(), port)
	n.transitionLocked(StateConnecting)
	peer := n.peer
	m.goFunc(func() { n.dial(peer) })
	return n.rec, nil
}

// HandleDCC routes a DCC SEND received from the chat layer. A message that
// carries a real port and the token of one of our passive offers is the
// peer's accept; everything else is a new offer.
func (m *Manager) HandleDCC(from Remote, msg dcc.Send) (Record, error) {
	if msg.Token != "" && !msg.Passive() {
		if id, err := ParseID(msg.Token); err == nil {
			// role and mode never change after creation
			if n, err := m.lookup(id); err == nil && n.rec.Role == RoleSender && n.rec.Mode == ModePassive {
				return m.ReceiveAccept(id, msg.Address, msg.Port)
			}
		}
	}
	return m.ReceiveOffer(from, msg)
}

// Accept records the local decision to take an offer. savePath may be a
// directory, a file path, or empty to use the configured save directory.
func (m *Manager) Accept(id ID, savePath string) (Record, error) {
	n, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rec.Role != RoleReceiver || n.rec.State != StateAwaitingAccept {
		return n.rec, fmt.Errorf("%w: cannot accept a %s transfer in state %s", ErrInvalidState, n.rec.Role, n.rec.State)
	}
	var path string
	switch {
	case savePath != "":
		path, err = file.ResolveSavePath(savePath, n.rec.FileName)
	case m.cfg.SaveDirectory != "":
		// the save directory is always a directory, created on receive
		path, err = file.ResolveDestination(m.cfg.SaveDirectory, n.rec.FileName)
	default:
		return n.rec, ErrMissingDestination
	}
	if err != nil {
		return n.rec, fmt.Errorf("%w: %v", ErrMissingDestination, err)
	}

	n.rec.SavePath = path
	n.logger.Info("Offer accepted", zap.String("save_path", path))
	n.beginConnectLocked()
	return n.rec, nil
}

// Reject declines an offer. Like Cancel it is valid in any non-terminal state.
func (m *Manager) Reject(id ID) (Record, error) {
	return m.stop(id, "rejected")
}

// Cancel aborts a transfer. A running session stops at its next I/O boundary.
func (m *Manager) Cancel(id ID) (Record, error) {
	return m.stop(id, "cancelled")
}

func (m *Manager) stop(id ID, verb string) (Record, error) {
	n, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.finishLocked(StateCancelled, ReasonNone, fmt.Errorf("%s locally", verb)) {
		return n.rec, fmt.Errorf("%w: transfer already %s", ErrInvalidState, n.rec.State)
	}
	return n.rec, nil
}

// Acknowledge removes a terminal record after the UI has observed it.
func (m *Manager) Acknowledge(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	n.mu.Lock()
	state := n.rec.State
	n.mu.Unlock()
	if !state.Terminal() {
		return fmt.Errorf("%w: transfer is still %s", ErrInvalidState, state)
	}

	delete(m.transfers, id)
	return nil
}

// Get returns a snapshot of one transfer.
func (m *Manager) Get(id ID) (Record, error) {
	n, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec, nil
}

// List returns snapshots of all transfers, oldest first.
func (m *Manager) List() []Record {
	list := m.snapshot()
	records := make([]Record, 0, len(list))
	for _, n := range list {
		n.mu.Lock()
		records = append(records, n.rec)
		n.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// IsEmpty reports whether the manager holds no records at all.
func (m *Manager) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers) == 0
}

// InFlight counts transfers that have not reached a terminal state.
func (m *Manager) InFlight() int {
	return m.count(func(r Record) bool { return !r.State.Terminal() })
}

// Unacknowledged counts terminal transfers still waiting for Acknowledge.
func (m *Manager) Unacknowledged() int {
	return m.count(func(r Record) bool { return r.State.Terminal() })
}

// HasCompleted reports whether a completed transfer has not been acknowledged yet.
func (m *Manager) HasCompleted() bool {
	return m.count(func(r Record) bool { return r.State == StateCompleted }) > 0
}

func (m *Manager) count(match func(Record) bool) int {
	total := 0
	for _, n := range m.snapshot() {
		n.mu.Lock()
		if match(n.rec) {
			total++
		}
		n.mu.Unlock()
	}
	return total
}

// Subscribe streams transfer events. The returned function ends the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

// Close cancels every transfer that is still running, waits for their
// goroutines and ends all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, n := range m.snapshot() {
		n.mu.Lock()
		n.finishLocked(StateCancelled, ReasonNone, ErrClosed)
		n.mu.Unlock()
	}

	m.cancel()
	m.wg.Wait()
	m.bus.Close()

	m.logger.Info("Transfer manager stopped")
}
