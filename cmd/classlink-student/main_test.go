package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classlink/internal/config"
	"classlink/internal/wire"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	o, err := parseFlags([]string{
		"--host", "127.0.0.1",
		"--port", "9001",
		"--name", "Alice",
		"--class", "7A",
		"--db", "/tmp/alice.db",
		"--framing", "legacy",
		"--no-monitor",
	})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	o.apply(cfg)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "Alice", cfg.Student.Name)
	assert.Equal(t, "7A", cfg.Student.Class)
	assert.Equal(t, "/tmp/alice.db", cfg.Database.Path)
	assert.Equal(t, wire.FramingLegacy, cfg.Protocol.Framing)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestParseFlagsKeepsUnsetValues(t *testing.T) {
	o, err := parseFlags([]string{"--name", "Bob"})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	o.apply(cfg)
	assert.Equal(t, "Bob", cfg.Student.Name)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.True(t, cfg.Monitor.Enabled)
}

func TestParseFlagsRejectsStrayArguments(t *testing.T) {
	_, err := parseFlags([]string{"extra"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--port", "x"})
	assert.Error(t, err)
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"--framing", "netstring"}, &stderr)
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestRunServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	var stderr syncBuffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, []string{
			"--host", "127.0.0.1",
			"--port", strconv.Itoa(port),
			"--db", filepath.Join(t.TempDir(), "student.db"),
			"--no-monitor",
		}, &stderr)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
