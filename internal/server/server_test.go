package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classlink/internal/dispatch"
	"classlink/internal/peer"
	"classlink/pkg/types"
)

// eventLog collects lifecycle events from a dispatcher.
type eventLog struct {
	mu     sync.Mutex
	events []dispatch.Event
	ch     chan dispatch.Event
}

func watchEvents(d *dispatch.Dispatcher) *eventLog {
	l := &eventLog{ch: make(chan dispatch.Event, 256)}
	record := func(ev dispatch.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.ch <- ev
	}
	d.AddListener(dispatch.EventPeerConnected, record)
	d.AddListener(dispatch.EventPeerDisconnected, record)
	return l
}

func (l *eventLog) next(t *testing.T, name string) dispatch.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", name)
		}
	}
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type inbox struct {
	ch chan *types.Envelope
}

func (i *inbox) HandleEnvelope(_ context.Context, _ *peer.Session, env *types.Envelope) {
	i.ch <- env
}

func (i *inbox) HandleClose(*peer.Session, error) {}

// dialTeacher connects a raw session to srv and starts its receive loop.
func dialTeacher(t *testing.T, srv *Server) (*peer.Session, *inbox) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	s := peer.NewSession(conn, peer.Options{})
	in := &inbox{ch: make(chan *types.Envelope, 16)}
	go s.Run(context.Background(), in)
	t.Cleanup(func() { s.Close() })
	return s, in
}

func startServer(t *testing.T, d *dispatch.Dispatcher) *Server {
	t.Helper()
	srv := New(d, Options{})
	require.NoError(t, srv.Start("127.0.0.1", 0))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestServerLifecycle(t *testing.T) {
	srv := New(nil, Options{})
	assert.Equal(t, StateStopped, srv.State())
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Start("127.0.0.1", 0))
	assert.Equal(t, StateListening, srv.State())
	assert.NotNil(t, srv.Addr())
	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrAlreadyRunning)

	require.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())
	assert.Nil(t, srv.Addr())

	// Stop on a stopped server is a no-op.
	assert.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())

	// And it can be started again.
	require.NoError(t, srv.Start("127.0.0.1", 0))
	require.NoError(t, srv.Stop())
}

func TestServerBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	srv := New(nil, Options{})
	err = srv.Start("127.0.0.1", port)
	require.Error(t, err)
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, err, srv.LastError())

	assert.ErrorIs(t, srv.Start("127.0.0.1", 70000), ErrInvalidPort)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestHandshakeWithSuppliedIdentity(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	teacher, _ := dialTeacher(t, srv)
	require.NoError(t, teacher.Send(types.NewTeacherConnect("t1", "Ms. Lee")))

	ev := events.next(t, dispatch.EventPeerConnected)
	assert.Equal(t, "t1", ev.PeerID)
	assert.Equal(t, "Ms. Lee", ev.PeerName)

	data := ev.Data()
	assert.Equal(t, "t1", data["teacher_id"])
	teacherData := data["teacher_data"].(map[string]any)
	assert.Equal(t, "Ms. Lee", teacherData["teacher_name"])
	assert.Equal(t, types.MessageTypeTeacherConnect, teacherData["type"])

	assert.Equal(t, []string{"t1"}, srv.Registry().IDs())
	infos := srv.ConnectedPeers()
	require.Len(t, infos, 1)
	assert.Equal(t, "Ms. Lee", infos[0].Name)
	assert.NotEmpty(t, infos[0].RemoteAddr)
}

func TestHandshakeGeneratesDistinctIdentity(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	first, _ := dialTeacher(t, srv)
	require.NoError(t, first.Send(types.NewTeacherConnect("", "Anon")))
	a := events.next(t, dispatch.EventPeerConnected)

	second, _ := dialTeacher(t, srv)
	require.NoError(t, second.Send(types.NewTeacherConnect("", "Anon")))
	b := events.next(t, dispatch.EventPeerConnected)

	assert.NotEmpty(t, a.PeerID)
	assert.NotEmpty(t, b.PeerID)
	assert.NotEqual(t, a.PeerID, b.PeerID)
	assert.Equal(t, 2, srv.Registry().Len())
}

func TestHandshakeInvalidIdentityIsReplaced(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	teacher, _ := dialTeacher(t, srv)
	require.NoError(t, teacher.Send(types.NewTeacherConnect("not a valid id!", "Ms. Lee")))

	ev := events.next(t, dispatch.EventPeerConnected)
	assert.True(t, types.IsValidPeerID(ev.PeerID))
	assert.NotEqual(t, "not a valid id!", ev.PeerID)
}

func TestRepeatedHandshakeIgnored(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	heartbeats := make(chan string, 4)
	d.Handle(types.MessageTypeHeartbeat, func(_ context.Context, req *dispatch.Request) error {
		heartbeats <- req.PeerID
		return nil
	})

	teacher, _ := dialTeacher(t, srv)
	require.NoError(t, teacher.Send(types.NewTeacherConnect("t1", "Ms. Lee")))
	events.next(t, dispatch.EventPeerConnected)

	require.NoError(t, teacher.Send(types.NewTeacherConnect("t2", "Mr. Kim")))
	require.NoError(t, teacher.Send(types.NewHeartbeat()))

	// Frames from one peer are handled in order, so the second handshake
	// has been processed once the heartbeat arrives.
	select {
	case id := <-heartbeats:
		assert.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not dispatched")
	}

	assert.Equal(t, []string{"t1"}, srv.Registry().IDs())
	assert.Equal(t, 1, events.count(dispatch.EventPeerConnected))
}

func TestReconnectSupersedesPreviousSession(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	old, _ := dialTeacher(t, srv)
	require.NoError(t, old.Send(types.NewTeacherConnect("t1", "Ms. Lee")))
	events.next(t, dispatch.EventPeerConnected)

	fresh, freshInbox := dialTeacher(t, srv)
	require.NoError(t, fresh.Send(types.NewTeacherConnect("t1", "Ms. Lee")))
	events.next(t, dispatch.EventPeerConnected)

	// The old socket is closed by the server.
	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded session was not closed")
	}

	require.NoError(t, srv.SendTo("t1", types.NewHeartbeat()))
	select {
	case env := <-freshInbox.ch:
		assert.Equal(t, types.MessageTypeHeartbeat, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("new session did not receive the message")
	}

	assert.Equal(t, 0, events.count(dispatch.EventPeerDisconnected))
	assert.Equal(t, []string{"t1"}, srv.Registry().IDs())
}

func TestMessagesDispatchedWithPeerIdentity(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	requests := make(chan *dispatch.Request, 4)
	d.Handle(types.MessageTypeHomeworkRequest, func(_ context.Context, req *dispatch.Request) error {
		requests <- req
		return nil
	})

	teacher, _ := dialTeacher(t, srv)

	// Before the handshake the peer has no identity.
	require.NoError(t, teacher.Send(types.NewHomeworkRequest("7A", "Math", "")))
	req := <-requests
	assert.Empty(t, req.PeerID)
	assert.NotNil(t, req.Peer)

	require.NoError(t, teacher.Send(types.NewTeacherConnect("t1", "Ms. Lee")))
	events.next(t, dispatch.EventPeerConnected)

	require.NoError(t, teacher.Send(types.NewHomeworkRequest("7B", "English", "")))
	req = <-requests
	assert.Equal(t, "t1", req.PeerID)
	assert.Equal(t, "7B", req.Envelope.Body.(*types.HomeworkRequest).Class)
}

func TestDisconnectNotification(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	teacher, _ := dialTeacher(t, srv)
	require.NoError(t, teacher.Send(types.NewTeacherConnect("t1", "Ms. Lee")))
	events.next(t, dispatch.EventPeerConnected)

	teacher.Close()
	ev := events.next(t, dispatch.EventPeerDisconnected)
	assert.Equal(t, "t1", ev.PeerID)
	assert.Equal(t, map[string]any{"teacher_id": "t1"}, ev.Data())
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestConcurrentAccept(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			s := peer.NewSession(conn, peer.Options{})
			t.Cleanup(func() { s.Close() })

			// Half supply an identity, half rely on generation.
			id := ""
			if i%2 == 0 {
				id = fmt.Sprintf("teacher-%02d", i)
			}
			if err := s.Send(types.NewTeacherConnect(id, "T")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		ev := events.next(t, dispatch.EventPeerConnected)
		assert.False(t, seen[ev.PeerID], "duplicate identity %s", ev.PeerID)
		seen[ev.PeerID] = true
	}
	assert.Equal(t, n, srv.Registry().Len())
	assert.Len(t, srv.Registry().IDs(), n)
}

func TestStopClosesSessionsAndNotifies(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := New(d, Options{})
	require.NoError(t, srv.Start("127.0.0.1", 0))

	var teachers []*peer.Session
	for _, id := range []string{"t1", "t2", "t3"} {
		s, _ := dialTeacher(t, srv)
		require.NoError(t, s.Send(types.NewTeacherConnect(id, id)))
		events.next(t, dispatch.EventPeerConnected)
		teachers = append(teachers, s)
	}
	// An unidentified connection is closed as well.
	anon, _ := dialTeacher(t, srv)

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.Registry().Len())
	assert.Equal(t, 3, events.count(dispatch.EventPeerDisconnected))

	for _, s := range append(teachers, anon) {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("client did not observe the close")
		}
	}
	assert.NoError(t, srv.Stop())
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	d := dispatch.NewDispatcher(nil, nil)
	events := watchEvents(d)
	srv := startServer(t, d)

	var inboxes []*inbox
	for _, id := range []string{"t1", "t2"} {
		s, in := dialTeacher(t, srv)
		require.NoError(t, s.Send(types.NewTeacherConnect(id, id)))
		events.next(t, dispatch.EventPeerConnected)
		inboxes = append(inboxes, in)
	}

	assert.Equal(t, 2, srv.Broadcast(types.NewMessageResponse("class starts", "Wang Fang", "7A")))
	for _, in := range inboxes {
		select {
		case env := <-in.ch:
			assert.Equal(t, "class starts", env.Body.(*types.MessageResponse).Content)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}

	assert.ErrorIs(t, srv.SendTo("ghost", types.NewHeartbeat()), peer.ErrPeerNotFound)
}
