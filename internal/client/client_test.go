package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classlink/internal/dispatch"
	"classlink/internal/server"
	"classlink/pkg/types"
)

// studentServer starts a real server and reports handshakes.
func studentServer(t *testing.T) (*server.Server, chan dispatch.Event) {
	t.Helper()
	d := dispatch.NewDispatcher(nil, nil)
	connected := make(chan dispatch.Event, 8)
	d.AddListener(dispatch.EventPeerConnected, func(ev dispatch.Event) { connected <- ev })

	srv := server.New(d, server.Options{})
	require.NoError(t, srv.Start("127.0.0.1", 0))
	t.Cleanup(func() { srv.Stop() })
	return srv, connected
}

func portOf(srv *server.Server) int {
	return srv.Addr().(*net.TCPAddr).Port
}

func waitEvent(t *testing.T, ch chan dispatch.Event) dispatch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return dispatch.Event{}
	}
}

func TestConnectSendsHandshake(t *testing.T) {
	srv, connected := studentServer(t)

	c := New(nil, Options{})
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	defer c.Disconnect()

	assert.True(t, c.IsConnected())
	assert.Equal(t, "connected", c.State().String())

	ev := waitEvent(t, connected)
	assert.Equal(t, "t1", ev.PeerID)
	assert.Equal(t, "Ms. Lee", ev.PeerName)

	assert.ErrorIs(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"), ErrAlreadyConnected)
}

func TestConnectGeneratesIdentity(t *testing.T) {
	srv, connected := studentServer(t)

	c := New(nil, Options{})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "", "Ms. Lee"))
	defer c.Disconnect()

	assert.Len(t, c.Identity(), 36)
	assert.Equal(t, c.Identity(), waitEvent(t, connected).PeerID)
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(nil, Options{DialTimeout: time.Second})
	err = c.Connect(context.Background(), "127.0.0.1", port, "t1", "Ms. Lee")
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, err, c.LastError())
	assert.ErrorIs(t, c.Send(types.NewHeartbeat()), ErrNotConnected)
}

func TestSendFailsFastAfterDisconnect(t *testing.T) {
	srv, connected := studentServer(t)

	c := New(nil, Options{})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	waitEvent(t, connected)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.RequestClassList(), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestHelpersReachServerHandlers(t *testing.T) {
	srv, connected := studentServer(t)

	got := make(chan *types.Envelope, 8)
	for _, msgType := range []string{
		types.MessageTypeHomeworkRequest,
		types.MessageTypeClassListRequest,
		types.MessageTypeMessageSend,
		types.MessageTypeHomeworkSubmit,
	} {
		srv.Dispatcher().Handle(msgType, func(_ context.Context, req *dispatch.Request) error {
			got <- req.Envelope
			return nil
		})
	}

	c := New(nil, Options{})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	defer c.Disconnect()
	waitEvent(t, connected)

	require.NoError(t, c.RequestHomework("7A", "Math", "please send"))
	require.NoError(t, c.RequestClassList())
	require.NoError(t, c.SendMessage("quiz tomorrow", "7A"))
	require.NoError(t, c.PublishHomework("7A", "Math", "p. 12"))

	hr := (<-got).Body.(*types.HomeworkRequest)
	assert.Equal(t, types.HomeworkRequest{Class: "7A", Subject: "Math", Message: "please send"}, *hr)

	assert.Equal(t, types.MessageTypeClassListRequest, (<-got).Type)

	ms := (<-got).Body.(*types.MessageSend)
	assert.Equal(t, "Ms. Lee", ms.SenderName)
	assert.Equal(t, "quiz tomorrow", ms.Content)

	hs := (<-got).Body.(*types.HomeworkSubmit)
	assert.Equal(t, "Ms. Lee", hs.TeacherName)
	assert.Equal(t, "p. 12", hs.Content)
}

func TestClientReceivesReplies(t *testing.T) {
	srv, connected := studentServer(t)

	d := dispatch.NewDispatcher(nil, nil)
	replies := make(chan *types.ClassListResponse, 1)
	d.Handle(types.MessageTypeClassListResponse, func(_ context.Context, req *dispatch.Request) error {
		replies <- req.Envelope.Body.(*types.ClassListResponse)
		return nil
	})

	c := New(d, Options{})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	defer c.Disconnect()
	waitEvent(t, connected)

	require.NoError(t, srv.SendTo("t1", types.NewClassListResponse([]string{"7A", "7B"})))

	select {
	case resp := <-replies:
		assert.Equal(t, []string{"7A", "7B"}, resp.Classes)
	case <-time.After(3 * time.Second):
		t.Fatal("reply not dispatched")
	}
}

func TestServerShutdownEmitsServerDisconnected(t *testing.T) {
	srv, connected := studentServer(t)

	d := dispatch.NewDispatcher(nil, nil)
	dropped := make(chan dispatch.Event, 1)
	d.AddListener(dispatch.EventServerDisconnected, func(ev dispatch.Event) { dropped <- ev })

	c := New(d, Options{})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	waitEvent(t, connected)

	require.NoError(t, srv.Stop())

	ev := waitEvent(t, dropped)
	assert.Equal(t, "t1", ev.PeerID)
	assert.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Send(types.NewHeartbeat()), ErrNotConnected)
}

func TestHeartbeatLoop(t *testing.T) {
	srv, connected := studentServer(t)

	beats := make(chan string, 16)
	srv.Dispatcher().Handle(types.MessageTypeHeartbeat, func(_ context.Context, req *dispatch.Request) error {
		select {
		case beats <- req.PeerID:
		default:
		}
		return nil
	})

	c := New(nil, Options{HeartbeatInterval: 20 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", portOf(srv), "t1", "Ms. Lee"))
	defer c.Disconnect()
	waitEvent(t, connected)

	for i := 0; i < 2; i++ {
		select {
		case id := <-beats:
			assert.Equal(t, "t1", id)
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat received")
		}
	}
}
