package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classlink/internal/dispatch"
	"classlink/internal/events"
	"classlink/internal/server"
	"classlink/pkg/types"
)

type fakeNode struct {
	mu        sync.Mutex
	state     server.State
	addr      net.Addr
	lastErr   error
	peers     []server.PeerInfo
	broadcast []*types.Envelope
}

func (n *fakeNode) State() server.State { return n.state }
func (n *fakeNode) Addr() net.Addr      { return n.addr }
func (n *fakeNode) LastError() error    { return n.lastErr }

func (n *fakeNode) ConnectedPeers() []server.PeerInfo { return n.peers }

func (n *fakeNode) Broadcast(env *types.Envelope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, env)
	return len(n.peers)
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

func newNode() *fakeNode {
	return &fakeNode{
		state: server.StateListening,
		addr:  &net.TCPAddr{IP: net.IPv4(0, 0, 0, 0), Port: 8888},
		peers: []server.PeerInfo{
			{ID: "t1", Name: "Ms. Lee", RemoteAddr: "10.0.0.5:50122", ConnectedAt: time.Now()},
		},
	}
}

func TestHealthCheck(t *testing.T) {
	s := NewServer(newNode(), fakeHealth{}, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Connections["total_peers"])
}

func TestHealthCheckUnhealthyStore(t *testing.T) {
	s := NewServer(newNode(), fakeHealth{err: errors.New("disk gone")}, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Database, "disk gone")
}

func TestPeers(t *testing.T) {
	s := NewServer(newNode(), nil, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/peers", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body PeersResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "t1", body.Peers[0].ID)
	assert.Equal(t, "Ms. Lee", body.Peers[0].Name)
}

func TestStatus(t *testing.T) {
	node := newNode()
	node.lastErr = errors.New("accept: too many open files")
	s := NewServer(node, nil, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "listening", body.State)
	assert.Equal(t, "0.0.0.0:8888", body.Address)
	assert.Equal(t, 1, body.PeerCount)
	assert.Contains(t, body.LastError, "too many open files")
}

func TestBroadcast(t *testing.T) {
	node := newNode()
	s := NewServer(node, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/broadcast",
		strings.NewReader(`{"type":"message_response","content":"class cancelled","sender_name":"office","class":"7A"}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body BroadcastResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Delivered)

	require.Len(t, node.broadcast, 1)
	env := node.broadcast[0]
	assert.Equal(t, types.MessageTypeMessageResponse, env.Type)
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, "class cancelled", env.Body.(*types.MessageResponse).Content)
}

func TestBroadcastRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"malformed":    `{"type":`,
		"missing type": `{"content":"x"}`,
		"unknown type": `{"type":"shout","content":"x"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			node := newNode()
			s := NewServer(node, nil, nil, nil)

			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(payload)))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, node.broadcast)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(newNode(), nil, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/broadcast", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/peers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(newNode(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/broadcast", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	q := events.NewQueue(16, nil)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	ts := httptest.NewServer(NewServer(newNode(), nil, q, nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered before the upgrade completes.
	require.NoError(t, q.Publish(dispatch.Event{
		Name:     dispatch.EventPeerConnected,
		PeerID:   "t1",
		PeerName: "Ms. Lee",
		Time:     time.Now(),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev dispatch.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, dispatch.EventPeerConnected, ev.Name)
	assert.Equal(t, "t1", ev.PeerID)
}

func TestEventStreamUnavailable(t *testing.T) {
	s := NewServer(newNode(), nil, nil, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListen(t *testing.T) {
	s := NewServer(newNode(), fakeHealth{}, nil, nil)

	httpServer, addr, err := s.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer httpServer.Close()

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
