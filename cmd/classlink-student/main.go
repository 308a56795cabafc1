// Command classlink-student runs a student node: it listens for teacher
// connections, answers homework requests from the local store and
// serves a monitoring API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"classlink/internal/app"
	"classlink/internal/config"
	"classlink/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	host        string
	port        int
	name        string
	class       string
	db          string
	monitorPort int
	noMonitor   bool
	framing     string
	encoding    string
	logLevel    string
	help        bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("classlink-student", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv("CLASSLINK_CONFIG_FILE"), "config file (.json, .jsonc, .yaml)")
	fs.StringVar(&o.host, "host", "", "address to listen on")
	fs.IntVarP(&o.port, "port", "p", 0, "protocol port")
	fs.StringVar(&o.name, "name", "", "student name")
	fs.StringVar(&o.class, "class", "", "student class")
	fs.StringVar(&o.db, "db", "", "SQLite database path")
	fs.IntVar(&o.monitorPort, "monitor-port", 0, "monitor HTTP port")
	fs.BoolVar(&o.noMonitor, "no-monitor", false, "disable the monitor API")
	fs.StringVar(&o.framing, "framing", "", "wire framing: length or legacy")
	fs.StringVar(&o.encoding, "encoding", "", "wire encoding: json or cbor")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVarP(&o.help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	o.flags = fs
	return o, nil
}

// apply overrides cfg with every flag given on the command line.
func (o *options) apply(cfg *config.Config) {
	changed := o.flags.Changed
	if changed("host") {
		cfg.Server.Host = o.host
	}
	if changed("port") {
		cfg.Server.Port = o.port
	}
	if changed("name") {
		cfg.Student.Name = o.name
	}
	if changed("class") {
		cfg.Student.Class = o.class
	}
	if changed("db") {
		cfg.Database.Path = o.db
	}
	if changed("monitor-port") {
		cfg.Monitor.Port = o.monitorPort
	}
	if o.noMonitor {
		cfg.Monitor.Enabled = false
	}
	if changed("framing") {
		cfg.Protocol.Framing = o.framing
	}
	if changed("encoding") {
		cfg.Protocol.Encoding = o.encoding
	}
	if changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
}

func (o *options) config() (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(o.configPath)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run starts the node and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	// STEP 1: flags and configuration
	o, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if o.help {
		fmt.Fprintln(stderr, "Usage: classlink-student [flags]")
		o.flags.SetOutput(stderr)
		o.flags.PrintDefaults()
		return nil
	}
	cfg, err := o.config()
	if err != nil {
		return err
	}

	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// STEP 2: build and start
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		application.Stop(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}

	// STEP 3: wait for a shutdown signal
	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
