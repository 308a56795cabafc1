// Package discovery finds student servers on the local /24 network by
// probing the protocol port.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"classlink/internal/logging"
)

const (
	DefaultDialTimeout = time.Second
	DefaultConcurrency = 64
)

var ErrNotIPv4 = errors.New("not an IPv4 address")

// Options tunes a scan.
type Options struct {
	DialTimeout time.Duration
	Concurrency int
	Logger      logging.Logger

	// Dial is used for probes. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
	return o
}

// LocalIPv4 returns the address of the interface that routes to the
// internet. No packet is sent. Falls back to loopback when there is no
// route.
func LocalIPv4() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1).To4()
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip := addr.IP.To4(); ip != nil {
			return ip
		}
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

// Candidates lists hosts .1 through .254 of ip's /24 network.
func Candidates(ip net.IP) ([]string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4, ip)
	}

	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		hosts = append(hosts, net.IPv4(v4[0], v4[1], v4[2], byte(i)).String())
	}
	return hosts, nil
}

// Scan probes port on every host and returns those accepting TCP
// connections, sorted by address. A cancelled ctx stops the scan and
// returns what was found so far with the context error.
func Scan(ctx context.Context, hosts []string, port int, opts Options) ([]string, error) {
	opts = opts.withDefaults()

	var (
		mu    sync.Mutex
		found []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if probe(gctx, host, port, opts) {
				mu.Lock()
				found = append(found, host)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sortHosts(found)
	opts.Logger.Info("scan finished", "port", port, "probed", len(hosts), "found", len(found))
	return found, ctx.Err()
}

// ScanLocal scans the /24 of the local address.
func ScanLocal(ctx context.Context, port int, opts Options) ([]string, error) {
	hosts, err := Candidates(LocalIPv4())
	if err != nil {
		return nil, err
	}
	return Scan(ctx, hosts, port, opts)
}

func probe(ctx context.Context, host string, port int, opts Options) bool {
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, err := opts.Dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	opts.Logger.Debug("found server", "host", host, "port", port)
	return true
}

// sortHosts orders addresses numerically where they parse as IPs.
func sortHosts(hosts []string) {
	sort.Slice(hosts, func(i, j int) bool {
		a, b := net.ParseIP(hosts[i]).To4(), net.ParseIP(hosts[j]).To4()
		if a == nil || b == nil {
			return hosts[i] < hosts[j]
		}
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}
