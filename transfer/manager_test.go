package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/dcc"
)

func TestIsListener(t *testing.T) {
	tests := []struct {
		role Role
		mode Mode
		want bool
	}{
		{RoleSender, ModeActive, true},
		{RoleSender, ModePassive, false},
		{RoleReceiver, ModeActive, false},
		{RoleReceiver, ModePassive, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"-"+string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.want, IsListener(tt.role, tt.mode))
		})
	}

	// exactly one end of a transfer listens in either mode
	for _, mode := range []Mode{ModeActive, ModePassive} {
		assert.NotEqual(t, IsListener(RoleSender, mode), IsListener(RoleReceiver, mode))
	}
}

func TestStateOrdering(t *testing.T) {
	assert.True(t, canTransition(StatePending, StateAwaitingAccept))
	assert.True(t, canTransition(StatePending, StateConnecting))
	assert.True(t, canTransition(StateTransferring, StateCancelled))
	assert.False(t, canTransition(StateConnecting, StateAwaitingAccept))
	assert.False(t, canTransition(StateConnecting, StateConnecting))
	assert.False(t, canTransition(StateCompleted, StateFailed))
	assert.False(t, canTransition(StateFailed, StateTimedOut))

	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTimedOut} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateTransferring.Terminal())

	text, err := StateAwaitingAccept.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "awaiting_accept", string(text))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("timed_out")))
	assert.Equal(t, StateTimedOut, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestAutoAccept(t *testing.T) {
	payload := []byte("hello")

	t.Run("EnabledConnectsWithoutDecision", func(t *testing.T) {
		dir := t.TempDir()
		cfg := testConfig()
		cfg.SaveDirectory = dir
		cfg.AutoAccept = autoAccept(t, "alice")
		m := newTestManager(t, cfg, nil)

		ln, addr := listenPeer(t)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			conn.Write(payload)
		}()

		rec, err := m.ReceiveOffer(alice, activeOffer("hello.txt", addr, uint64(len(payload))))
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, rec.State)
		assert.Equal(t, filepath.Join(dir, "hello.txt"), rec.SavePath)

		rec = waitForState(t, m, rec.ID, StateCompleted)
		assert.Equal(t, uint64(len(payload)), rec.Progress.Transferred)

		got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("DisabledAwaitsDecision", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		m := newTestManager(t, cfg, nil)
		events, unsubscribe := m.Subscribe()
		defer unsubscribe()

		_, addr := listenPeer(t)
		rec, err := m.ReceiveOffer(alice, activeOffer("hello.txt", addr, 5))
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingAccept, rec.State)

		var kinds []EventKind
		for len(kinds) < 3 {
			select {
			case e := <-events:
				kinds = append(kinds, e.Kind)
			case <-time.After(time.Second):
				t.Fatalf("missing events, got %v", kinds)
			}
		}
		assert.Equal(t, []EventKind{EventState, EventState, EventOffered}, kinds)
	})

	t.Run("UnknownNickAwaitsDecision", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		cfg.AutoAccept = autoAccept(t, "carol")
		m := newTestManager(t, cfg, nil)

		_, addr := listenPeer(t)
		rec, err := m.ReceiveOffer(alice, activeOffer("x.bin", addr, 5))
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingAccept, rec.State)
	})

	t.Run("NoSaveDirectoryAwaitsDecision", func(t *testing.T) {
		cfg := testConfig()
		cfg.AutoAccept = autoAccept(t, "alice")
		m := newTestManager(t, cfg, nil)

		_, addr := listenPeer(t)
		rec, err := m.ReceiveOffer(alice, activeOffer("x.bin", addr, 5))
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingAccept, rec.State)
	})
}

func TestTimeout(t *testing.T) {
	t.Run("ReceiverTimesOut", func(t *testing.T) {
		cfg := testConfig()
		cfg.Timeout = time.Second
		m := newTestManager(t, cfg, nil, WithTickInterval(20*time.Millisecond))

		_, addr := listenPeer(t)
		rec, err := m.ReceiveOffer(alice, activeOffer("late.bin", addr, 5))
		require.NoError(t, err)

		time.Sleep(500 * time.Millisecond)
		rec, err = m.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingAccept, rec.State)

		waitForState(t, m, rec.ID, StateTimedOut)

		_, err = m.Accept(rec.ID, t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("SenderLeaseReleased", func(t *testing.T) {
		cfg := testConfig()
		cfg.Timeout = time.Second
		cfg.Passive = false
		cfg.Server = serverBlock(t)
		out := &recordingOutbound{}
		m := newTestManager(t, cfg, out, WithTickInterval(20*time.Millisecond))

		src := filepath.Join(t.TempDir(), "offer.bin")
		require.NoError(t, os.WriteFile(src, []byte("data"), 0644))

		rec, err := m.SendFile(context.Background(), bob, src)
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingAccept, rec.State)
		assert.Equal(t, ModeActive, rec.Mode)
		assert.Equal(t, cfg.Server.Ports.First, rec.LocalPort)
		assert.Equal(t, 1, m.Allocator().Leased())

		offer := out.lastOffer()
		assert.Equal(t, cfg.Server.Ports.First, offer.Port)
		assert.Equal(t, cfg.Server.PublicAddress, offer.Address)
		assert.Equal(t, uint64(4), offer.Size)

		waitForState(t, m, rec.ID, StateTimedOut)
		assert.Equal(t, 0, m.Allocator().Leased())

		// the port is free again at the OS level too
		ln, err := net.Listen("tcp", offer.AddrPort().String())
		require.NoError(t, err)
		ln.Close()
	})
}

func TestExpireUsesClock(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	m := newTestManager(t, cfg, nil,
		WithClock(func() time.Time { return now }),
		WithTickInterval(time.Hour))

	_, addr := listenPeer(t)
	rec, err := m.ReceiveOffer(alice, activeOffer("a", addr, 1))
	require.NoError(t, err)

	now = now.Add(9 * time.Second)
	assert.Equal(t, 0, m.expire())

	now = now.Add(time.Second)
	assert.Equal(t, 1, m.expire())

	rec, err = m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, rec.State)
	assert.Equal(t, 0, m.expire())
}

func TestAcceptAndCancelMidTransfer(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, testConfig(), nil)

	ln, addr := listenPeer(t)
	peerConn := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte{1})
		peerConn <- conn
	}()

	rec, err := m.ReceiveOffer(alice, activeOffer("big.bin", addr, 1<<20))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingAccept, rec.State)

	rec, err = m.Accept(rec.ID, dir)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, rec.State)

	require.Eventually(t, func() bool {
		r, err := m.Get(rec.ID)
		return err == nil && r.State == StateTransferring && r.Progress.Transferred == 1
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("AcceptWhileTransferring", func(t *testing.T) {
		r, err := m.Accept(rec.ID, dir)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StateTransferring, r.State)

		r, err = m.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateTransferring, r.State)
	})

	conn := <-peerConn
	defer conn.Close()

	r, err := m.Cancel(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)

	// the receiver's socket is closed, so the peer sees EOF promptly
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.Copy(io.Discard, conn)
	assert.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "big.bin"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "partial file should be removed")

	_, err = m.Cancel(rec.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, m.InFlight())
}

func TestAcceptMissingDestination(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)

	_, addr := listenPeer(t)
	rec, err := m.ReceiveOffer(alice, activeOffer("doc.pdf", addr, 10))
	require.NoError(t, err)

	_, err = m.Accept(rec.ID, "")
	assert.ErrorIs(t, err, ErrMissingDestination)

	rec, err = m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAccept, rec.State)
}

func TestAcceptIntoSaveDirectory(t *testing.T) {
	payload := []byte("quarterly numbers")
	ln, addr := listenPeer(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(payload)
	}()

	// the directory is created by the first receive
	dir := filepath.Join(t.TempDir(), "downloads")
	cfg := testConfig()
	cfg.SaveDirectory = dir
	m := newTestManager(t, cfg, nil)

	rec, err := m.ReceiveOffer(alice, activeOffer("report.txt", addr, uint64(len(payload))))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingAccept, rec.State)

	rec, err = m.Accept(rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.txt"), rec.SavePath)

	waitForState(t, m, rec.ID, StateCompleted)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestOfferAfterClose(t *testing.T) {
	cfg := testConfig()
	cfg.Passive = false
	cfg.Server = serverBlock(t)
	out := &recordingOutbound{}
	m := newTestManager(t, cfg, out)

	// Close lands between register and the offer
	n := m.newNegotiation(RoleSender, ModeActive, bob, "f", 1)
	n.token = string(n.rec.ID)
	require.NoError(t, m.register(n))
	m.Close()

	rec, err := m.offer(context.Background(), n)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateCancelled, rec.State)
	assert.Zero(t, m.Allocator().Leased())
	assert.Empty(t, out.offers)
}

func TestConnectLatencyStartsAtBind(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("latency"), 0644))

	toReceiver := &linkOutbound{self: alice}
	toSender := &linkOutbound{self: bob}

	senderCfg := testConfig()
	senderCfg.Passive = false
	senderCfg.Server = serverBlock(t)
	sender := newTestManager(t, senderCfg, toReceiver)
	receiver := newTestManager(t, testConfig(), toSender)
	toReceiver.peer = receiver
	toSender.peer = sender

	sent, err := sender.SendFile(context.Background(), bob, src)
	require.NoError(t, err)
	require.Equal(t, ModeActive, sent.Mode)

	n, err := sender.lookup(sent.ID)
	require.NoError(t, err)
	n.mu.Lock()
	bound := n.connectStart
	n.mu.Unlock()
	require.False(t, bound.IsZero(), "bind should start the clock")

	time.Sleep(50 * time.Millisecond)
	offered := receiver.List()
	require.Len(t, offered, 1)
	_, err = receiver.Accept(offered[0].ID, t.TempDir())
	require.NoError(t, err)

	waitForState(t, sender, sent.ID, StateCompleted)
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, bound, n.connectStart)
}

func TestReceiverTruncatedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.SaveDirectory = t.TempDir()
	cfg.AutoAccept = autoAccept(t, "alice")
	cfg.ChunkSize = 2
	m := newTestManager(t, cfg, nil)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ln, addr := listenPeer(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("abcdefg"))
		conn.Close()
	}()

	const size = 10
	rec, err := m.ReceiveOffer(alice, activeOffer("short.txt", addr, size))
	require.NoError(t, err)

	got := collect(t, events, rec.ID)
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.Equal(t, StateFailed, last.Transfer.State)
	assert.Equal(t, ReasonTruncated, last.Transfer.Reason)

	var (
		lastState    = StatePending
		lastProgress uint64
		progressSeen bool
	)
	for _, e := range got {
		switch e.Kind {
		case EventState:
			assert.GreaterOrEqual(t, e.Transfer.State, lastState)
			lastState = e.Transfer.State
		case EventProgress:
			progressSeen = true
			assert.False(t, lastState.Terminal(), "progress after terminal event")
			assert.GreaterOrEqual(t, e.Transfer.Progress.Transferred, lastProgress)
			assert.LessOrEqual(t, e.Transfer.Progress.Transferred, uint64(size))
			lastProgress = e.Transfer.Progress.Transferred
		}
	}
	assert.True(t, progressSeen)
	assert.Equal(t, uint64(7), lastProgress)

	select {
	case e := <-events:
		assert.NotEqual(t, rec.ID, e.Transfer.ID, "event after terminal state: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectFailures(t *testing.T) {
	t.Run("DialRefused", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		cfg.AutoAccept = autoAccept(t, "alice")
		m := newTestManager(t, cfg, nil)

		ln, addr := listenPeer(t)
		require.NoError(t, ln.Close())

		rec, err := m.ReceiveOffer(alice, activeOffer("gone.bin", addr, 5))
		require.NoError(t, err)
		rec = waitForState(t, m, rec.ID, StateFailed)
		assert.Equal(t, ReasonConnectFailed, rec.Reason)
	})

	t.Run("NoServerBlock", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		cfg.AutoAccept = autoAccept(t, "alice")
		m := newTestManager(t, cfg, nil)

		rec, err := m.ReceiveOffer(alice, dcc.Send{FileName: "p.bin", Size: 5, Token: "t1"})
		require.NoError(t, err)
		assert.Equal(t, StateFailed, rec.State)
		assert.Equal(t, ReasonNoPortAvailable, rec.Reason)
	})

	t.Run("RangeExhausted", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		cfg.AutoAccept = autoAccept(t, "alice")
		cfg.Server = serverBlock(t)
		m := newTestManager(t, cfg, nil)

		_, err := m.Allocator().Lease("elsewhere")
		require.NoError(t, err)

		rec, err := m.ReceiveOffer(alice, dcc.Send{FileName: "p.bin", Size: 5, Token: "t1"})
		require.NoError(t, err)
		assert.Equal(t, StateFailed, rec.State)
		assert.Equal(t, ReasonNoPortAvailable, rec.Reason)
		assert.Equal(t, 1, m.Allocator().Leased())
	})

	t.Run("AcceptTimesOut", func(t *testing.T) {
		cfg := testConfig()
		cfg.SaveDirectory = t.TempDir()
		cfg.AutoAccept = autoAccept(t, "alice")
		cfg.Server = serverBlock(t)
		cfg.ConnectTimeout = 200 * time.Millisecond
		out := &recordingOutbound{}
		m := newTestManager(t, cfg, out)

		rec, err := m.ReceiveOffer(alice, dcc.Send{FileName: "p.bin", Size: 5, Token: "tok"})
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, rec.State)

		rec = waitForState(t, m, rec.ID, StateFailed)
		assert.Equal(t, ReasonConnectFailed, rec.Reason)
		assert.Equal(t, 0, m.Allocator().Leased())

		out.mu.Lock()
		defer out.mu.Unlock()
		require.Len(t, out.accepts, 1)
		assert.Equal(t, "tok", out.accepts[0].Token)
		assert.Equal(t, cfg.Server.Ports.First, out.accepts[0].Port)
	})
}

func TestRejectInvalidOffers(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)

	_, err := m.ReceiveOffer(alice, dcc.Send{FileName: "..", Port: 5000, Size: 1})
	assert.Error(t, err)

	_, err = m.ReceiveOffer(alice, dcc.Send{FileName: "a.txt", Port: 5000, Size: 1})
	assert.Error(t, err, "active offer without an address")

	assert.True(t, m.IsEmpty())
}

func TestQueriesAndAcknowledge(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	assert.True(t, m.IsEmpty())

	_, addr := listenPeer(t)
	first, err := m.ReceiveOffer(alice, activeOffer("one", addr, 1))
	require.NoError(t, err)
	second, err := m.ReceiveOffer(bob, activeOffer("two", addr, 1))
	require.NoError(t, err)

	assert.False(t, m.IsEmpty())
	assert.Equal(t, 2, m.InFlight())
	assert.Equal(t, 0, m.Unacknowledged())
	assert.False(t, m.HasCompleted())

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	err = m.Acknowledge(first.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = m.Reject(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.InFlight())
	assert.Equal(t, 1, m.Unacknowledged())

	// terminal records stay visible until acknowledged
	rec, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)

	require.NoError(t, m.Acknowledge(first.ID))
	_, err = m.Get(first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Acknowledge(first.ID), ErrNotFound)

	_, err = m.Accept(ID("00000000-0000-0000-0000-000000000000"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseCancelsTransfers(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewManager(logger, testConfig(), &recordingOutbound{})

	_, addr := listenPeer(t)
	rec, err := m.ReceiveOffer(alice, activeOffer("one", addr, 1))
	require.NoError(t, err)

	events, _ := m.Subscribe()
	m.Close()

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	_, err = m.ReceiveOffer(alice, activeOffer("two", addr, 1))
	assert.ErrorIs(t, err, ErrClosed)

	for range events {
	}
}

func TestEndToEnd(t *testing.T) {
	data := make([]byte, 200*1024+3)
	_, err := rand.Read(data)
	require.NoError(t, err)

	tests := []struct {
		name    string
		passive bool
	}{
		{"ActiveSender", false},
		{"PassiveSender", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "payload.bin")
			require.NoError(t, os.WriteFile(src, data, 0644))
			saveDir := t.TempDir()

			toReceiver := &linkOutbound{self: alice}
			toSender := &linkOutbound{self: bob}

			senderCfg := testConfig()
			senderCfg.Passive = tt.passive
			receiverCfg := testConfig()
			receiverCfg.SaveDirectory = saveDir
			receiverCfg.AutoAccept = autoAccept(t, "alice")
			if tt.passive {
				receiverCfg.Server = serverBlock(t)
			} else {
				senderCfg.Server = serverBlock(t)
			}

			sender := newTestManager(t, senderCfg, toReceiver)
			receiver := newTestManager(t, receiverCfg, toSender)
			toReceiver.peer = receiver
			toSender.peer = sender

			sent, err := sender.SendFile(context.Background(), bob, src)
			require.NoError(t, err)
			if tt.passive {
				assert.Equal(t, ModePassive, sent.Mode)
			} else {
				assert.Equal(t, ModeActive, sent.Mode)
			}

			sent = waitForState(t, sender, sent.ID, StateCompleted)
			assert.Equal(t, uint64(len(data)), sent.Progress.Transferred)

			received := receiver.List()
			require.Len(t, received, 1)
			got := waitForState(t, receiver, received[0].ID, StateCompleted)
			assert.Equal(t, RoleReceiver, got.Role)
			assert.Equal(t, sent.Mode, got.Mode)
			assert.Equal(t, "alice", got.Remote.Nick)
			assert.True(t, receiver.HasCompleted())

			out, err := os.ReadFile(filepath.Join(saveDir, "payload.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, out))

			if receiver.Allocator() != nil {
				assert.Equal(t, 0, receiver.Allocator().Leased())
			}
			if sender.Allocator() != nil {
				assert.Equal(t, 0, sender.Allocator().Leased())
			}
		})
	}
}

func TestSendFileErrors(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)

	_, err := m.SendFile(context.Background(), bob, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = m.SendFile(context.Background(), bob, t.TempDir())
	assert.Error(t, err)

	t.Run("OfferDeliveryFails", func(t *testing.T) {
		out := &recordingOutbound{err: assert.AnError}
		m := newTestManager(t, testConfig(), out)
		src := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

		rec, err := m.SendFile(context.Background(), bob, src)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, rec.State)
		assert.Equal(t, ReasonConnectFailed, rec.Reason)
	})

	t.Run("ActiveWithoutServerFallsBack", func(t *testing.T) {
		cfg := testConfig()
		cfg.Passive = false
		out := &recordingOutbound{}
		m := newTestManager(t, cfg, out)
		src := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

		rec, err := m.SendFile(context.Background(), bob, src)
		require.NoError(t, err)
		assert.Equal(t, ModePassive, rec.Mode)
		assert.Equal(t, StateAwaitingAccept, rec.State)

		offer := out.lastOffer()
		assert.True(t, offer.Passive())
		assert.Equal(t, string(rec.ID), offer.Token)
	})
}

func TestReceiveAcceptValidation(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	rec, err := m.SendFile(context.Background(), bob, src)
	require.NoError(t, err)

	_, err = m.ReceiveAccept(rec.ID, netip.MustParseAddr("127.0.0.1"), 0)
	assert.Error(t, err)
	_, err = m.ReceiveAccept(rec.ID, netip.IPv4Unspecified(), 5000)
	assert.Error(t, err)

	rec, err = m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAccept, rec.State)

	_, addr := listenPeer(t)
	offered, err := m.ReceiveOffer(alice, activeOffer("in.bin", addr, 1))
	require.NoError(t, err)
	_, err = m.ReceiveAccept(offered.ID, netip.MustParseAddr("127.0.0.1"), 5000)
	assert.ErrorIs(t, err, ErrInvalidState)

	t.Run("HandleDCCTreatsUnknownTokenAsOffer", func(t *testing.T) {
		got, err := m.HandleDCC(alice, dcc.Send{
			FileName: "other.bin",
			Address:  netip.MustParseAddr("127.0.0.1"),
			Port:     addr.Port(),
			Size:     3,
			Token:    "not-ours",
		})
		require.NoError(t, err)
		assert.Equal(t, RoleReceiver, got.Role)
	})
}
