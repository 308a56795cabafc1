// Command classlink-teacher connects to a student node, issues requests
// and prints every envelope it receives as one JSON object per line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"classlink/internal/client"
	"classlink/internal/config"
	"classlink/internal/discovery"
	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/pkg/types"
)

const defaultWait = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	address    string
	port       int
	id         string
	name       string
	scan       bool
	class      string
	subject    string
	message    string
	classes    bool
	send       string
	publish    bool
	content    string
	wait       time.Duration
	framing    string
	encoding   string
	logLevel   string
	help       bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("classlink-teacher", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv("CLASSLINK_CONFIG_FILE"), "config file (.json, .jsonc, .yaml)")
	fs.StringVarP(&o.address, "address", "a", "", "student server address")
	fs.IntVarP(&o.port, "port", "p", 0, "student server port")
	fs.StringVar(&o.id, "id", "", "teacher identity (random when empty)")
	fs.StringVar(&o.name, "name", "", "teacher display name")
	fs.BoolVar(&o.scan, "scan", false, "scan the local /24 network for student servers and exit")
	fs.StringVar(&o.class, "class", "", "class for homework requests, messages and publishing (\"all\" for every class)")
	fs.StringVar(&o.subject, "subject", "", "subject for homework requests and publishing (\"all\" for every subject)")
	fs.StringVar(&o.message, "message", "", "note attached to the homework request")
	fs.BoolVar(&o.classes, "classes", false, "request the class list")
	fs.StringVar(&o.send, "send", "", "leave a message for --class")
	fs.BoolVar(&o.publish, "publish", false, "publish --content as homework for --class and --subject")
	fs.StringVar(&o.content, "content", "", "homework text to publish")
	fs.DurationVar(&o.wait, "wait", defaultWait, "how long to wait for replies before disconnecting")
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
	if o.publish && (o.class == "" || o.subject == "" || o.content == "") {
		return nil, errors.New("--publish needs --class, --subject and --content")
	}
	if o.publish && (types.IsWildcard(o.class) || types.IsWildcard(o.subject)) {
		return nil, errors.New("--publish needs a concrete class and subject")
	}
	if o.wait < 0 {
		return nil, errors.New("--wait cannot be negative")
	}
	o.flags = fs
	return o, nil
}

func (o *options) apply(cfg *config.Config) {
	changed := o.flags.Changed
	if changed("address") {
		cfg.Client.Address = o.address
	}
	if changed("port") {
		cfg.Client.Port = o.port
	}
	if changed("id") {
		cfg.Client.ID = o.id
	}
	if changed("name") {
		cfg.Client.Name = o.name
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

// printer writes envelopes as JSON lines. Handlers run on the receive
// goroutine, so writes are serialized.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &printer{enc: enc}
}

func (p *printer) print(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(v)
}

func (p *printer) handler(_ context.Context, req *dispatch.Request) error {
	fields, err := req.Envelope.Fields()
	if err != nil {
		return err
	}
	return p.print(fields)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	// STEP 1: flags and configuration
	o, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if o.help {
		fmt.Fprintln(stderr, "Usage: classlink-teacher [flags]")
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

	// STEP 2: LAN scan short-circuits everything else
	if o.scan {
		return scan(ctx, cfg, logger, stdout)
	}

	// STEP 3: client with every reply routed to stdout
	framer, err := cfg.Protocol.NewFramer()
	if err != nil {
		return err
	}
	codec, err := cfg.Protocol.NewCodec()
	if err != nil {
		return err
	}

	out := newPrinter(stdout)
	d := dispatch.NewDispatcher(logger, nil)
	for _, msgType := range []string{
		types.MessageTypeHomeworkResponse,
		types.MessageTypeClassListResponse,
		types.MessageTypeMessageResponse,
		types.MessageTypeHeartbeat,
		types.MessageTypeTeacherStatus,
		types.MessageTypeSystemInfo,
	} {
		d.Handle(msgType, out.handler)
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	d.AddListener(dispatch.EventServerDisconnected, func(ev dispatch.Event) {
		lostOnce.Do(func() { close(lost) })
	})

	c := client.New(d, client.Options{
		Framer:            framer,
		Codec:             codec,
		Logger:            logger,
		WriteTimeout:      cfg.Protocol.WriteTimeout.Duration(),
		DialTimeout:       cfg.Client.DialTimeout.Duration(),
		HeartbeatInterval: cfg.Client.HeartbeatInterval.Duration(),
	})

	// STEP 4: connect and send what was asked for
	if err := c.Connect(ctx, cfg.Client.Address, cfg.Client.Port, cfg.Client.ID, cfg.Client.Name); err != nil {
		return fmt.Errorf("connect to %s:%d: %w", cfg.Client.Address, cfg.Client.Port, err)
	}
	defer c.Disconnect()

	if err := send(c, o); err != nil {
		return err
	}

	// STEP 5: collect replies
	timer := time.NewTimer(o.wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-lost:
		logger.Warn("student closed the connection", "addr", c.Remote())
	}
	return nil
}

func send(c *client.Client, o *options) error {
	if o.classes {
		if err := c.RequestClassList(); err != nil {
			return fmt.Errorf("class list request: %w", err)
		}
	}
	if o.send != "" {
		if err := c.SendMessage(o.send, o.class); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	if o.publish {
		if err := c.PublishHomework(o.class, o.subject, o.content); err != nil {
			return fmt.Errorf("publish homework: %w", err)
		}
	}
	if o.class != "" && !o.publish && o.send == "" {
		subject := o.subject
		if subject == "" {
			subject = types.WildcardAll
		}
		if err := c.RequestHomework(o.class, subject, o.message); err != nil {
			return fmt.Errorf("homework request: %w", err)
		}
	}
	return nil
}

func scan(ctx context.Context, cfg *config.Config, logger logging.Logger, stdout io.Writer) error {
	hosts, err := discovery.ScanLocal(ctx, cfg.Client.Port, discovery.Options{
		DialTimeout: cfg.Discovery.DialTimeout.Duration(),
		Concurrency: cfg.Discovery.Concurrency,
		Logger:      logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan: %w", err)
	}
	if len(hosts) == 0 {
		logger.Warn("no student servers found", "port", cfg.Client.Port)
		return nil
	}
	for _, host := range hosts {
		fmt.Fprintln(stdout, host)
	}
	return nil
}
