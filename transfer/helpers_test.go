package transfer

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/config"
	"github.com/TFMV/furydcc/dcc"
	"github.com/TFMV/furydcc/policy"
	"github.com/TFMV/furydcc/ports"
)

var (
	alice = Remote{Nick: "alice", Hostmask: "alice!a@example.org"}
	bob   = Remote{Nick: "bob", Hostmask: "bob!b@example.org"}
)

func testConfig() config.FileTransfer {
	return config.FileTransfer{
		Passive:        true,
		Timeout:        time.Minute,
		ConnectTimeout: 5 * time.Second,
		ChunkSize:      1024,
		AutoAccept:     &policy.Rules{},
	}
}

func autoAccept(t *testing.T, nicks ...string) *policy.Rules {
	t.Helper()
	rules, err := policy.Compile(true, nicks, nil, false)
	require.NoError(t, err)
	return rules
}

// serverBlock returns a listener configuration with a single free loopback port.
func serverBlock(t *testing.T) *config.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	rng, err := ports.NewRange(port, port)
	require.NoError(t, err)
	return &config.Server{
		PublicAddress: netip.MustParseAddr("127.0.0.1"),
		BindAddress:   netip.MustParseAddr("127.0.0.1"),
		Ports:         rng,
	}
}

func newTestManager(t *testing.T, cfg config.FileTransfer, out Outbound, opts ...Option) *Manager {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	if out == nil {
		out = &recordingOutbound{}
	}
	m := NewManager(logger, cfg, out, opts...)
	t.Cleanup(m.Close)
	return m
}

// recordingOutbound keeps every control message instead of delivering it.
type recordingOutbound struct {
	mu      sync.Mutex
	offers  []dcc.Send
	accepts []dcc.Send
	err     error
}

func (o *recordingOutbound) SendOffer(_ context.Context, _ Remote, msg dcc.Send) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offers = append(o.offers, msg)
	return o.err
}

func (o *recordingOutbound) SendAccept(_ context.Context, _ Remote, msg dcc.Send) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepts = append(o.accepts, msg)
	return o.err
}

func (o *recordingOutbound) lastOffer() dcc.Send {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offers[len(o.offers)-1]
}

// linkOutbound delivers control messages to another manager through the
// CTCP text form, the way a chat session would.
type linkOutbound struct {
	self Remote
	peer *Manager
}

func (l *linkOutbound) deliver(msg dcc.Send) error {
	parsed, err := dcc.Parse(msg.CTCP())
	if err != nil {
		return err
	}
	_, err = l.peer.HandleDCC(l.self, parsed)
	return err
}

func (l *linkOutbound) SendOffer(_ context.Context, _ Remote, msg dcc.Send) error {
	return l.deliver(msg)
}

func (l *linkOutbound) SendAccept(_ context.Context, _ Remote, msg dcc.Send) error {
	return l.deliver(msg)
}

// listenPeer stands in for a remote active sender.
func listenPeer(t *testing.T) (net.Listener, netip.AddrPort) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, netip.MustParseAddrPort(ln.Addr().String())
}

func activeOffer(name string, addr netip.AddrPort, size uint64) dcc.Send {
	return dcc.Send{
		FileName: name,
		Address:  addr.Addr(),
		Port:     addr.Port(),
		Size:     size,
	}
}

func waitForState(t *testing.T, m *Manager, id ID, want State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = m.Get(id)
		return err == nil && rec.State == want
	}, 5*time.Second, 10*time.Millisecond, "transfer never reached %s (last %s)", want, rec.State)
	return rec
}

// collect reads events for id until its terminal state event arrives.
func collect(t *testing.T, events <-chan Event, id ID) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return got
			}
			if e.Transfer.ID != id {
				continue
			}
			got = append(got, e)
			if e.Kind == EventState && e.Transfer.State.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s after %d events", id, len(got))
			return got
		}
	}
}
