// Package peer owns live connections: one Session per socket and a
// Registry mapping peer identities to sessions.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"classlink/internal/logging"
	"classlink/internal/wire"
	"classlink/pkg/types"
)

// DefaultWriteTimeout bounds a single Send.
const DefaultWriteTimeout = 10 * time.Second

// Handler supplies role-specific behaviour to a session's receive loop.
// Both methods run on the session's own goroutine, so a slow handler
// stalls only this peer.
type Handler interface {
	HandleEnvelope(ctx context.Context, s *Session, env *types.Envelope)
	// HandleClose runs exactly once, after the socket is closed. err is
	// nil for a clean remote close or a local Close.
	HandleClose(s *Session, err error)
}

// Session wraps one connected socket. It implements interfaces.Peer.
type Session struct {
	conn         net.Conn
	framer       wire.Framer
	codec        *wire.Codec
	logger       logging.Logger
	writeTimeout time.Duration
	connectedAt  time.Time

	mu   sync.RWMutex // protects id, name
	id   string
	name string

	superseded atomic.Bool
	running    atomic.Bool

	writeMu      sync.Mutex
	closed       chan struct{}
	closeOnce    sync.Once
	teardownOnce sync.Once
	done         chan struct{}
}

// Options configures a Session. Zero values pick defaults.
type Options struct {
	Framer       wire.Framer
	Codec        *wire.Codec
	Logger       logging.Logger
	WriteTimeout time.Duration
}

// NewSession wraps an already connected socket.
func NewSession(conn net.Conn, opts Options) *Session {
	if opts.Framer == nil {
		opts.Framer = &wire.LengthPrefixed{}
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec(wire.JSON)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Session{
		conn:         conn,
		framer:       opts.Framer,
		codec:        opts.Codec,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		connectedAt:  time.Now(),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the peer identity, empty until the handshake completes.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Name returns the display name announced in the handshake.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetIdentity records the identity assigned at handshake time.
func (s *Session) SetIdentity(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.name = name
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Superseded reports whether a newer session took over this identity.
func (s *Session) Superseded() bool {
	return s.superseded.Load()
}

func (s *Session) markSuperseded() {
	s.superseded.Store(true)
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send encodes env and writes it as one frame. Writes are serialized;
// a failure is returned to the caller and does not close the session.
func (s *Session) Send(env *types.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.framer.WriteFrame(s.conn, data); err != nil {
		if s.isClosed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Close shuts the socket down, unblocking the receive loop. Safe to call
// any number of times from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Run is the receive loop. It blocks until the peer disconnects, a read
// fails, ctx is cancelled or Close is called, and then tears the
// session down. Empty frames and isolated decode failures are logged
// and skipped.
func (s *Session) Run(ctx context.Context, h Handler) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var exitErr error
	defer func() { s.teardown(h, exitErr) }()

	for {
		frame, err := s.framer.ReadFrame(s.conn)
		if errors.Is(err, wire.ErrEmptyFrame) {
			s.logger.Warn("dropping empty frame",
				"peer_id", s.ID(), "remote_addr", s.conn.RemoteAddr().String())
			continue
		}
		if err != nil {
			if !s.isClosed() && !errors.Is(err, io.EOF) {
				exitErr = err
			}
			return exitErr
		}

		env, err := s.codec.Decode(frame)
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) {
				s.logger.Warn("dropping undecodable message",
					"peer_id", s.ID(), "remote_addr", s.conn.RemoteAddr().String(),
					"size", de.Size, "error", de.Err)
				continue
			}
			exitErr = err
			return exitErr
		}

		h.HandleEnvelope(ctx, s, env)
	}
}

// teardown closes the socket and notifies the handler, exactly once.
func (s *Session) teardown(h Handler, err error) {
	s.teardownOnce.Do(func() {
		s.Close()
		if err != nil {
			s.logger.Debug("session read failed",
				"peer_id", s.ID(), "remote_addr", s.conn.RemoteAddr().String(), "error", err)
		}
		if h != nil {
			h.HandleClose(s, err)
		}
		close(s.done)
	})
}
