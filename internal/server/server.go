// Package server is the listening role: it accepts teacher connections,
// runs one session per connection and assigns identities at handshake.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/peer"
	"classlink/internal/wire"
	"classlink/pkg/types"
)

const (
	// DefaultPort is where student servers listen.
	DefaultPort = 8888
	// DefaultShutdownTimeout bounds how long Stop waits for sessions.
	DefaultShutdownTimeout = 5 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Options configures a Server. Zero values pick defaults.
type Options struct {
	Framer          wire.Framer
	Codec           *wire.Codec
	Logger          logging.Logger
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// IDGenerator produces identities for peers whose handshake carries
	// none. Defaults to random UUIDs.
	IDGenerator func() string
}

// PeerInfo describes one registered peer for display.
type PeerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Server accepts connections and owns their sessions.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *peer.Registry
	opts       Options
	logger     logging.Logger

	mu       sync.RWMutex // protects state, listener, cancel, lastErr
	state    State
	listener net.Listener
	cancel   context.CancelFunc
	lastErr  error

	sessionsMu sync.Mutex
	sessions   map[*peer.Session]struct{}
	wg         sync.WaitGroup
}

// New returns a stopped server dispatching through d.
func New(d *dispatch.Dispatcher, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Framer == nil {
		opts.Framer = &wire.LengthPrefixed{}
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec(wire.JSON)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	if d == nil {
		d = dispatch.NewDispatcher(opts.Logger, nil)
	}
	return &Server{
		dispatcher: d,
		registry:   peer.NewRegistry(opts.Logger),
		opts:       opts,
		logger:     opts.Logger,
		sessions:   make(map[*peer.Session]struct{}),
	}
}

// Start binds host:port and begins accepting. A bind failure leaves the
// server stopped and is returned and recorded in LastError.
func (s *Server) Start(host string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		err = fmt.Errorf("listen on %s: %w", addr, err)
		s.mu.Lock()
		s.state = StateStopped
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("server failed to start", "addr", addr, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.lastErr = nil
	s.state = StateListening
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.logger.Info("server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.setLastError(fmt.Errorf("accept: %w", err))
				s.logger.Error("listener closed unexpectedly", "error", err)
				return
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.setLastError(fmt.Errorf("accept: %w", err))
			s.logger.Warn("accept failed, retrying", "error", err, "retry_in", delay)

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0

		session := peer.NewSession(conn, peer.Options{
			Framer:       s.opts.Framer,
			Codec:        s.opts.Codec,
			Logger:       s.logger,
			WriteTimeout: s.opts.WriteTimeout,
		})
		s.track(session)
		s.logger.Debug("connection accepted", "remote_addr", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Run(ctx, sessionHandler{s})
		}()
	}
}

// Stop closes the listener and every session, then waits (bounded by
// ShutdownTimeout) until each session has torn down. Stopping a stopped
// server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	ln := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("server stopping", "addr", ln.Addr().String())

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("closing listener", "error", err)
	}

	for _, p := range s.registry.Clear() {
		p.Close()
	}
	for _, session := range s.trackedSessions() {
		session.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("timed out waiting for sessions to close", "timeout", s.opts.ShutdownTimeout)
	}

	s.mu.Lock()
	s.listener = nil
	s.cancel = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LastError returns the most recent bind or accept failure.
func (s *Server) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Server) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Server) Registry() *peer.Registry {
	return s.registry
}

// SendTo delivers env to a registered peer.
func (s *Server) SendTo(peerID string, env *types.Envelope) error {
	return s.registry.SendTo(peerID, env)
}

// Broadcast delivers env to every registered peer and returns the
// number of successful sends.
func (s *Server) Broadcast(env *types.Envelope) int {
	return s.registry.Broadcast(env)
}

// ConnectedPeers lists registered peers sorted by identity.
func (s *Server) ConnectedPeers() []PeerInfo {
	peers := s.registry.Peers()
	infos := make([]PeerInfo, 0, len(peers))
	for id, p := range peers {
		info := PeerInfo{ID: id}
		if addr := p.RemoteAddr(); addr != nil {
			info.RemoteAddr = addr.String()
		}
		if session, ok := p.(*peer.Session); ok {
			info.Name = session.Name()
			info.ConnectedAt = session.ConnectedAt()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (s *Server) track(session *peer.Session) {
	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) untrack(session *peer.Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, session)
	s.sessionsMu.Unlock()
}

func (s *Server) trackedSessions() []*peer.Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sessions := make([]*peer.Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// sessionHandler connects accepted sessions to the server.
type sessionHandler struct {
	srv *Server
}

func (h sessionHandler) HandleEnvelope(ctx context.Context, session *peer.Session, env *types.Envelope) {
	if env.Type == types.MessageTypeTeacherConnect {
		h.srv.handshake(session, env)
		return
	}
	h.srv.dispatcher.Dispatch(ctx, &dispatch.Request{
		Envelope: env,
		Peer:     session,
		PeerID:   session.ID(),
	})
}

func (h sessionHandler) HandleClose(session *peer.Session, err error) {
	h.srv.untrack(session)

	id := session.ID()
	if id == "" {
		return
	}
	if h.srv.registry.Unregister(id, session) {
		h.srv.dispatcher.ForgetPeer(id)
	}
	if session.Superseded() {
		h.srv.logger.Debug("superseded session closed", "peer_id", id)
		return
	}

	ev := dispatch.Event{
		Name:       dispatch.EventPeerDisconnected,
		PeerID:     id,
		PeerName:   session.Name(),
		RemoteAddr: session.RemoteAddr().String(),
		Time:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	h.srv.logger.Info("teacher disconnected", "peer_id", id, "remote_addr", ev.RemoteAddr)
	h.srv.dispatcher.Emit(ev)
}

// handshake assigns the session its identity, registers it and emits
// peer_connected. Only the first handshake on a session counts.
func (s *Server) handshake(session *peer.Session, env *types.Envelope) {
	if session.ID() != "" {
		s.logger.Debug("ignoring repeated handshake", "peer_id", session.ID())
		return
	}

	hello, _ := env.Body.(*types.TeacherConnect)
	if hello == nil {
		hello = &types.TeacherConnect{}
	}
	name := strings.TrimSpace(hello.TeacherName)
	id := strings.TrimSpace(hello.TeacherID)

	if id != "" && !types.IsValidPeerID(id) {
		s.logger.Warn("handshake carried an unusable teacher id, generating one",
			"teacher_id", id, "remote_addr", session.RemoteAddr().String())
		id = ""
	}

	if id == "" {
		generated, err := s.registry.RegisterGenerated(session, s.opts.IDGenerator)
		if err != nil {
			s.logger.Error("could not assign peer identity", "error", err)
			session.Close()
			return
		}
		id = generated
		session.SetIdentity(id, name)
	} else {
		session.SetIdentity(id, name)
		if previous, err := s.registry.Register(id, session); err != nil {
			s.logger.Error("could not register peer", "peer_id", id, "error", err)
			session.Close()
			return
		} else if previous != nil {
			s.logger.Info("teacher reconnected, replacing previous session", "peer_id", id)
		}
	}

	handshake, err := env.Fields()
	if err != nil {
		handshake = map[string]any{"teacher_id": hello.TeacherID, "teacher_name": hello.TeacherName}
	}

	s.logger.Info("teacher connected",
		"peer_id", id, "teacher_name", name, "remote_addr", session.RemoteAddr().String())
	s.dispatcher.Emit(dispatch.Event{
		Name:       dispatch.EventPeerConnected,
		PeerID:     id,
		PeerName:   name,
		RemoteAddr: session.RemoteAddr().String(),
		Handshake:  handshake,
		Time:       time.Now(),
	})
}
