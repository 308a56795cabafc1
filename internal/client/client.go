// Package client is the connecting role: one outbound link from a
// teacher to a student server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/peer"
	"classlink/internal/wire"
	"classlink/pkg/types"
)

// DefaultDialTimeout bounds Connect's dial.
const DefaultDialTimeout = 5 * time.Second

// State is the client lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Client. Zero values pick defaults.
type Options struct {
	Framer       wire.Framer
	Codec        *wire.Codec
	Logger       logging.Logger
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// HeartbeatInterval sends a heartbeat on that period while
	// connected. Zero disables it.
	HeartbeatInterval time.Duration
}

// Client keeps a single connection to a student server. Incoming
// envelopes go to its dispatcher; the link dropping emits
// server_disconnected.
type Client struct {
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     logging.Logger

	mu       sync.RWMutex // protects everything below
	state    State
	session  *peer.Session
	cancel   context.CancelFunc
	identity string
	name     string
	remote   string
	lastErr  error
}

// New returns a disconnected client dispatching through d.
func New(d *dispatch.Dispatcher, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Framer == nil {
		opts.Framer = &wire.LengthPrefixed{}
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec(wire.JSON)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if d == nil {
		d = dispatch.NewDispatcher(opts.Logger, nil)
	}
	return &Client{
		dispatcher: d,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Connect dials address:port, sends the teacher_connect handshake and
// starts the receive loop. An empty identity is replaced by a random
// UUID. On failure the client stays disconnected and the error is also
// kept in LastError.
func (c *Client) Connect(ctx context.Context, address string, port int, identity, name string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if identity == "" {
		identity = uuid.NewString()
	}
	remote := net.JoinHostPort(address, strconv.Itoa(port))

	session, err := c.dial(ctx, remote, identity, name)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("connect failed", "addr", remote, "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.session = session
	c.cancel = cancel
	c.identity = identity
	c.name = name
	c.remote = remote
	c.lastErr = nil
	c.state = StateConnected
	c.mu.Unlock()

	group.Go(func() error {
		return session.Run(groupCtx, sessionHandler{c})
	})
	if c.opts.HeartbeatInterval > 0 {
		group.Go(func() error {
			return c.heartbeatLoop(groupCtx, session)
		})
	}
	go func() {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("client loops exited", "addr", remote, "error", err)
		}
		cancel()
	}()

	c.logger.Info("connected to student", "addr", remote, "teacher_id", identity)
	return nil
}

func (c *Client) dial(ctx context.Context, remote, identity, name string) (*peer.Session, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	}

	session := peer.NewSession(conn, peer.Options{
		Framer:       c.opts.Framer,
		Codec:        c.opts.Codec,
		Logger:       c.logger,
		WriteTimeout: c.opts.WriteTimeout,
	})
	session.SetIdentity(identity, name)

	if err := session.Send(types.NewTeacherConnect(identity, name)); err != nil {
		session.Close()
		return nil, fmt.Errorf("handshake with %s: %w", remote, err)
	}
	return session, nil
}

func (c *Client) heartbeatLoop(ctx context.Context, session *peer.Session) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := session.Send(types.NewHeartbeat()); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// Disconnect closes the link. Subsequent sends fail with
// ErrNotConnected. Calling it while disconnected is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	session := c.session
	cancel := c.cancel
	c.session = nil
	c.cancel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	cancel()
	c.logger.Info("disconnected from student", "addr", c.Remote())
	return session.Close()
}

// Send writes env to the server, failing fast when not connected.
func (c *Client) Send(env *types.Envelope) error {
	c.mu.RLock()
	session := c.session
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || session == nil {
		return ErrNotConnected
	}
	if err := session.Send(env); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	return nil
}

// RequestHomework asks the student for homework of class and subject.
// Either may be a wildcard.
func (c *Client) RequestHomework(class, subject, message string) error {
	return c.Send(types.NewHomeworkRequest(class, subject, message))
}

func (c *Client) RequestClassList() error {
	return c.Send(types.NewClassListRequest())
}

// SendMessage leaves a message for class, signed with the display name.
func (c *Client) SendMessage(content, class string) error {
	return c.Send(types.NewMessageSend(content, c.Name(), class))
}

// PublishHomework assigns homework to class.
func (c *Client) PublishHomework(class, subject, content string) error {
	return c.Send(types.NewHomeworkSubmit(class, subject, content, c.Name()))
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// LastError returns the most recent connect, send or receive failure.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Remote returns host:port of the current or last server.
func (c *Client) Remote() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

type sessionHandler struct {
	c *Client
}

func (h sessionHandler) HandleEnvelope(ctx context.Context, session *peer.Session, env *types.Envelope) {
	h.c.dispatcher.Dispatch(ctx, &dispatch.Request{
		Envelope: env,
		Peer:     session,
		PeerID:   h.c.Remote(),
	})
}

func (h sessionHandler) HandleClose(session *peer.Session, err error) {
	c := h.c

	c.mu.Lock()
	current := c.session == session
	if current {
		c.session = nil
		c.cancel = nil
		c.state = StateDisconnected
	}
	if err != nil {
		c.lastErr = err
	}
	remote := c.remote
	c.mu.Unlock()

	if current {
		c.logger.Warn("connection to student lost", "addr", remote, "error", err)
	}

	ev := dispatch.Event{
		Name:       dispatch.EventServerDisconnected,
		PeerID:     session.ID(),
		PeerName:   session.Name(),
		RemoteAddr: remote,
		Time:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.dispatcher.Emit(ev)
}
