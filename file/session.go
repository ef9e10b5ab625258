package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultChunkSize bounds a single socket or file operation and therefore
	// how long a cancellation can take to be observed.
	DefaultChunkSize = 64 * 1024

	// lingerTimeout bounds how long a sender waits for the receiver to close
	// after the last byte was written.
	lingerTimeout = 10 * time.Second

	// minRateSample is the smallest interval used for a rate sample.
	minRateSample = 50 * time.Millisecond
)

var (
	// ErrTruncated is returned when the peer closes before the declared size.
	ErrTruncated = errors.New("transfer truncated")
	// ErrIO wraps socket and file failures.
	ErrIO = errors.New("transfer i/o error")
	// ErrDestinationUnwritable is returned when the destination cannot be created.
	ErrDestinationUnwritable = errors.New("destination not writable")
)

// Direction is the byte flow of a session as seen from this side.
type Direction string

const (
	// DirectionSend streams a local file to the peer.
	DirectionSend Direction = "send"
	// DirectionReceive streams the peer's bytes into a local file.
	DirectionReceive Direction = "receive"
)

// Progress is a snapshot of a running session.
type Progress struct {
	Transferred uint64  `json:"transferred"`
	Total       uint64  `json:"total"`
	Rate        float64 `json:"rate_bps"`
}

// SessionConfig describes one session.
type SessionConfig struct {
	Direction Direction
	// Path is the source file when sending and the destination when receiving.
	Path string
	// Size is the declared size. Zero means unknown: the session ends when
	// the source is exhausted or the peer closes.
	Size      uint64
	ChunkSize int
	Limiter   *rate.Limiter
	// OnProgress is called after every chunk, from the session goroutine.
	OnProgress func(Progress)
}

// Session moves the bytes of one transfer over an established connection. It
// knows nothing about negotiation, policy or port leases.
type Session struct {
	logger *zap.Logger
	conn   net.Conn
	cfg    SessionConfig
	meter  meter
}

// NewSession creates a session over conn. The session owns conn and closes it
// when Run returns.
func NewSession(logger *zap.Logger, conn net.Conn, cfg SessionConfig) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	cfg.ChunkSize = clampChunk(cfg.ChunkSize, cfg.Limiter)

	return &Session{
		logger: logger,
		conn:   conn,
		cfg:    cfg,
		meter:  meter{now: time.Now},
	}
}

// Run streams the file until completion, failure or cancellation of ctx.
// It returns the final progress together with nil, ErrTruncated, an error
// wrapping ErrIO or ErrDestinationUnwritable, or ctx.Err() when cancelled.
func (s *Session) Run(ctx context.Context) (Progress, error) {
	ctx, span := otel.Tracer("furydcc/file").Start(ctx, "Session.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("direction", string(s.cfg.Direction)),
		attribute.Int64("size", int64(s.cfg.Size)),
	)

	// A cancelled context forces pending socket calls to return.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()
	defer s.conn.Close()

	s.meter.start()

	var (
		progress Progress
		err      error
	)
	switch s.cfg.Direction {
	case DirectionSend:
		progress, err = s.send(ctx)
	case DirectionReceive:
		progress, err = s.receive(ctx)
	default:
		err = fmt.Errorf("unknown session direction %q", s.cfg.Direction)
	}

	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	span.SetAttributes(attribute.Int64("transferred", int64(progress.Transferred)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("Session ended",
			zap.String("direction", string(s.cfg.Direction)),
			zap.Uint64("transferred", progress.Transferred),
			zap.Error(err))
		return progress, err
	}

	s.logger.Debug("Session completed",
		zap.String("direction", string(s.cfg.Direction)),
		zap.Uint64("transferred", progress.Transferred))
	return progress, nil
}

func (s *Session) send(ctx context.Context) (Progress, error) {
	src, err := os.Open(s.cfg.Path)
	if err != nil {
		return Progress{Total: s.cfg.Size}, fmt.Errorf("%w: failed to open source: %w", ErrIO, err)
	}
	defer src.Close()

	var r io.Reader = src
	if s.cfg.Size > 0 {
		r = io.LimitReader(src, int64(s.cfg.Size))
	}

	progress := Progress{Total: s.cfg.Size}
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if err := waitN(ctx, s.cfg.Limiter, n); err != nil {
				return progress, err
			}
			if _, err := s.conn.Write(buf[:n]); err != nil {
				return progress, fmt.Errorf("%w: failed to write to peer: %w", ErrIO, err)
			}
			progress = s.advance(progress, n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return progress, fmt.Errorf("%w: failed to read source: %w", ErrIO, rerr)
		}
	}

	if s.cfg.Size > 0 && progress.Transferred < s.cfg.Size {
		return progress, fmt.Errorf("%w: source ended at %d of %d bytes", ErrTruncated, progress.Transferred, s.cfg.Size)
	}

	s.linger(ctx)
	return progress, nil
}

// linger half-closes the connection and drains it until the receiver hangs
// up, so the sender only reports completion once the peer has everything.
func (s *Session) linger(ctx context.Context) {
	cw, ok := s.conn.(interface{ CloseWrite() error })
	if !ok || ctx.Err() != nil {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, s.conn)
}

func (s *Session) receive(ctx context.Context) (Progress, error) {
	dst, err := createDestination(s.cfg.Path)
	if err != nil {
		return Progress{Total: s.cfg.Size}, err
	}

	completed := false
	defer func() {
		if !completed {
			dst.Close()
			if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to remove partial file",
					zap.String("path", s.cfg.Path),
					zap.Error(err))
			}
		}
	}()

	progress := Progress{Total: s.cfg.Size}
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		want := len(buf)
		if s.cfg.Size > 0 {
			remaining := s.cfg.Size - progress.Transferred
			if remaining == 0 {
				break
			}
			if remaining < uint64(want) {
				want = int(remaining)
			}
		}

		n, rerr := s.conn.Read(buf[:want])
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return progress, fmt.Errorf("%w: failed to write destination: %w", ErrIO, err)
			}
			progress = s.advance(progress, n)
			if err := waitN(ctx, s.cfg.Limiter, n); err != nil {
				return progress, err
			}
		}
		if rerr == io.EOF {
			if s.cfg.Size > 0 && progress.Transferred < s.cfg.Size {
				return progress, fmt.Errorf("%w: peer closed at %d of %d bytes", ErrTruncated, progress.Transferred, s.cfg.Size)
			}
			break
		}
		if rerr != nil {
			return progress, fmt.Errorf("%w: failed to read from peer: %w", ErrIO, rerr)
		}
	}

	if err := dst.Close(); err != nil {
		return progress, fmt.Errorf("%w: failed to close destination: %w", ErrIO, err)
	}
	completed = true
	return progress, nil
}

func (s *Session) advance(p Progress, n int) Progress {
	p.Transferred += uint64(n)
	p.Rate = s.meter.update(p.Transferred)
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(p)
	}
	return p
}

func createDestination(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDestinationUnwritable, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDestinationUnwritable, err)
	}
	return f, nil
}

// meter keeps an exponential moving average of the transfer rate.
type meter struct {
	now       func() time.Time
	last      time.Time
	lastBytes uint64
	rate      float64
}

func (m *meter) start() {
	m.last = m.now()
	m.lastBytes = 0
	m.rate = 0
}

func (m *meter) update(transferred uint64) float64 {
	now := m.now()
	elapsed := now.Sub(m.last)
	if elapsed < minRateSample {
		return m.rate
	}

	sample := float64(transferred-m.lastBytes) / elapsed.Seconds()
	if m.rate == 0 {
		m.rate = sample
	} else {
		m.rate = 0.7*m.rate + 0.3*sample
	}
	m.last = now
	m.lastBytes = transferred
	return m.rate
}
