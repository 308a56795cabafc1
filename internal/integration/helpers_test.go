package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classlink/internal/app"
	"classlink/internal/config"
	"classlink/internal/dispatch"
	"classlink/internal/logging"
)

const eventTimeout = 3 * time.Second

// eventRecorder collects lifecycle events from a dispatcher.
type eventRecorder struct {
	mu     sync.Mutex
	events []dispatch.Event
	ch     chan dispatch.Event
}

func recordEvents(d *dispatch.Dispatcher, names ...string) *eventRecorder {
	r := &eventRecorder{ch: make(chan dispatch.Event, 128)}
	for _, name := range names {
		d.AddListener(name, func(ev dispatch.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			select {
			case r.ch <- ev:
			default:
			}
		})
	}
	return r
}

func (r *eventRecorder) wait(t *testing.T, name string) dispatch.Event {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
			return dispatch.Event{}
		}
	}
}

// startStudent runs a full student node on an ephemeral port.
func startStudent(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Monitor.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "student.db")
	cfg.Student.Name = "Alice"
	cfg.Student.Class = "7A"
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.NewApplication(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}
