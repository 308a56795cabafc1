package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates(t *testing.T) {
	hosts, err := Candidates(net.ParseIP("192.168.1.37"))
	require.NoError(t, err)
	require.Len(t, hosts, 254)
	assert.Equal(t, "192.168.1.1", hosts[0])
	assert.Equal(t, "192.168.1.254", hosts[253])
}

func TestCandidatesRejectsIPv6(t *testing.T) {
	_, err := Candidates(net.ParseIP("fe80::1"))
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestLocalIPv4(t *testing.T) {
	assert.NotNil(t, LocalIPv4().To4())
}

func TestScanFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	found, err := Scan(context.Background(), []string{"127.0.0.1"}, port, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, found)
}

func TestScanSortsAndFilters(t *testing.T) {
	open := map[string]bool{"10.0.0.20": true, "10.0.0.3": true, "10.0.0.100": true}
	var calls atomic.Int32

	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		calls.Add(1)
		host, port, err := net.SplitHostPort(address)
		if err != nil || port != strconv.Itoa(8888) || !open[host] {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	hosts, err := Candidates(net.ParseIP("10.0.0.1"))
	require.NoError(t, err)

	found, err := Scan(context.Background(), hosts, 8888, Options{Dial: dial, Concurrency: 8})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.20", "10.0.0.100"}, found)
	assert.Equal(t, int32(254), calls.Load())
}

func TestScanHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	found, err := Scan(ctx, []string{"10.0.0.1", "10.0.0.2"}, 8888, Options{Dial: dial})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, found)
}
