// Package app wires a student node: store, dispatcher, server, handlers,
// event queue and monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"classlink/internal/classroom"
	"classlink/internal/config"
	"classlink/internal/dispatch"
	"classlink/internal/events"
	"classlink/internal/logging"
	"classlink/internal/monitor"
	"classlink/internal/server"
	"classlink/internal/store"
)

// Application coordinates all student-side components.
type Application struct {
	config     *config.Config
	logger     logging.Logger
	store      *store.Store
	limiter    *dispatch.RateLimiter
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	classroom  *classroom.Classroom
	events     *events.Queue
	monitor    *monitor.Server

	httpServer  *http.Server
	monitorAddr net.Addr
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewApplication builds every component in dependency order:
// Store → Dispatcher → Server → Classroom → Events → Monitor.
// Nothing listens until Start.
func NewApplication(cfg *config.Config, logger logging.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: protocol building blocks
	framer, err := cfg.Protocol.NewFramer()
	if err != nil {
		return nil, err
	}
	codec, err := cfg.Protocol.NewCodec()
	if err != nil {
		return nil, err
	}

	// STEP 2: store, migrated and schema-checked
	st, err := store.Open(cfg.Database.StoreConfig(), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if cfg.Student.Class != "" {
		if err := st.AddClass(context.Background(), cfg.Student.Class); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register class %q: %w", cfg.Student.Class, err)
		}
	}

	// STEP 3: dispatcher with per-peer rate limiting
	limiter := dispatch.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
	dispatcher := dispatch.NewDispatcher(logger, limiter)

	// STEP 4: server role
	srv := server.New(dispatcher, server.Options{
		Framer:          framer,
		Codec:           codec,
		Logger:          logger,
		WriteTimeout:    cfg.Protocol.WriteTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})

	// STEP 5: homework handlers, replying through the server registry
	room := classroom.New(st, srv, classroom.NewProfile(cfg.Student.Name, cfg.Student.Class), logger)
	room.Register(dispatcher)

	// STEP 6: event queue fed by lifecycle notifications
	queue := events.NewQueue(events.DefaultQueueSize, logger)
	queue.Attach(dispatcher, dispatch.EventPeerConnected, dispatch.EventPeerDisconnected)
	dispatcher.AddListener(dispatch.EventPeerConnected, func(ev dispatch.Event) {
		logger.Info("teacher connected", "peer_id", ev.PeerID, "name", ev.PeerName, "remote_addr", ev.RemoteAddr)
	})
	dispatcher.AddListener(dispatch.EventPeerDisconnected, func(ev dispatch.Event) {
		limiter.Forget(ev.PeerID)
		logger.Info("teacher disconnected", "peer_id", ev.PeerID, "remote_addr", ev.RemoteAddr)
	})

	// STEP 7: monitor API
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(srv, st, queue, logger)
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      st,
		limiter:    limiter,
		dispatcher: dispatcher,
		server:     srv,
		classroom:  room,
		events:     queue,
		monitor:    mon,
	}, nil
}

// Start brings components up in order: event queue, protocol server,
// monitor. A failure unwinds whatever already started.
func (app *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())

	// STEP 1: event fan-out
	if err := app.events.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event queue: %w", err)
	}

	// STEP 2: protocol server
	if err := app.server.Start(app.config.Server.Host, app.config.Server.Port); err != nil {
		app.events.Stop()
		cancel()
		return fmt.Errorf("failed to start server: %w", err)
	}

	// STEP 3: monitor
	if app.monitor != nil {
		addr := net.JoinHostPort(app.config.Monitor.Host, strconv.Itoa(app.config.Monitor.Port))
		httpServer, bound, err := app.monitor.Listen(runCtx, addr)
		if err != nil {
			app.server.Stop()
			app.events.Stop()
			cancel()
			return fmt.Errorf("failed to start monitor: %w", err)
		}
		app.httpServer = httpServer
		app.monitorAddr = bound
	}

	// STEP 4: periodic rate limiter cleanup
	app.cancel = cancel
	app.done = make(chan struct{})
	go app.maintain(runCtx)

	app.logger.Info("student node started",
		"addr", app.server.Addr().String(),
		"name", app.config.Student.Name,
		"class", app.config.Student.Class)
	return nil
}

func (app *Application) maintain(ctx context.Context) {
	defer close(app.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.limiter.Cleanup()
		}
	}
}

// Stop shuts down in reverse order: monitor, server, events, store.
// Every step runs even if an earlier one fails; the first error is
// returned.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down student node")
	var errs []error

	// STEP 1: stop serving the monitor
	if app.httpServer != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Warn("monitor shutdown error", "error", err)
			app.httpServer.Close()
		}
	}

	// STEP 2: close teacher connections; disconnect events fire here
	if err := app.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}

	// STEP 3: stop background work
	if app.cancel != nil {
		app.cancel()
		<-app.done
	}
	if err := app.events.Stop(); err != nil && !errors.Is(err, events.ErrQueueNotRunning) {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}

	// STEP 4: close the store
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	app.logger.Info("student node stopped")
	return errors.Join(errs...)
}

// Addr is the bound protocol address, nil before Start.
func (app *Application) Addr() net.Addr {
	return app.server.Addr()
}

// MonitorAddr is the bound monitor address, nil when disabled or before
// Start.
func (app *Application) MonitorAddr() net.Addr {
	return app.monitorAddr
}

func (app *Application) Server() *server.Server {
	return app.server
}

func (app *Application) Store() *store.Store {
	return app.store
}

func (app *Application) Classroom() *classroom.Classroom {
	return app.classroom
}

func (app *Application) Events() *events.Queue {
	return app.events
}
