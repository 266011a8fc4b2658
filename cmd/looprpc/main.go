package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"looprpc/broadcast"
	"looprpc/client"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/loadbalance"
	"looprpc/logging"
	"looprpc/metrics"
	"looprpc/middleware"
	"looprpc/registry"
	"looprpc/server"
	"looprpc/status"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "call":
		err = callCommand(os.Args[2:])
	case "publish":
		err = publishCommand(os.Args[2:])
	case "subscribe":
		err = subscribeCommand(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: looprpc <command> [flags]

commands:
  serve      run an echo server
  call       call a method once and print the response payload
  publish    publish a payload under a topic
  subscribe  print payloads published under topics

run "looprpc <command> -h" for the flags of a command`)
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	addr       string
	logLevel   string
	devLog     bool
	etcd       string
	service    string
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&c.addr, "addr", "", "endpoint address, overrides the configuration (tcp://, ipc://, inproc://, udp://)")
	fs.StringVar(&c.logLevel, "log-level", "", "info, debug or trace, overrides the configuration")
	fs.BoolVar(&c.devLog, "dev-log", false, "human readable console logs at trace level")
	fs.StringVar(&c.etcd, "etcd", "", "comma separated etcd endpoints for service registration and discovery")
	fs.StringVar(&c.service, "service", "looprpc.echo", "service name used with -etcd")
}

// load reads the configuration file, applies flag overrides and validates.
func (c *common) load(role config.Role) (*config.Config, error) {
	cfg := &config.Config{}
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	}
	if c.addr != "" {
		cfg.Address = c.addr
		cfg.Transport = ""
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *common) registry() (registry.Registry, error) {
	if c.etcd == "" {
		return nil, nil
	}
	return registry.NewEtcdRegistry(strings.Split(c.etcd, ","), 5*time.Second)
}

func (c *common) newLoop(cfg *config.Config) (*eventloop.Loop, logr.Logger, error) {
	var (
		log logr.Logger
		err error
	)
	if c.devLog {
		log, err = logging.NewDevelopment()
	} else {
		log, err = logging.New(cfg.LogLevel)
	}
	if err != nil {
		return nil, logr.Discard(), err
	}
	return eventloop.New(eventloop.WithLogger(log)), log, nil
}

// run drives loop until ctx is done or a callback stops it.
func run(ctx context.Context, loop *eventloop.Loop) error {
	err := loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var c common
	c.bind(fs)
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this host:port")
	rps := fs.Float64("rate", 0, "requests per second admitted by the server, 0 for no limit")
	handlerTimeout := fs.Duration("handler-timeout", 0, "reply TimedOut when a handler takes longer, 0 for no bound")
	fs.Parse(args)

	cfg, err := c.load(config.RoleServerClient)
	if err != nil {
		return err
	}
	loop, log, err := c.newLoop(cfg)
	if err != nil {
		return err
	}
	defer loop.Close()

	var opts []server.Option
	reg, err := c.registry()
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, c.service, 1, 10*time.Second))
	}
	srv, err := server.New(loop, cfg, opts...)
	if err != nil {
		return err
	}
	srv.Use(middleware.Recovery(log), middleware.Logging(log))
	if *rps > 0 {
		srv.Use(middleware.RateLimit(*rps, int(*rps)+1))
	}
	if *handlerTimeout > 0 {
		srv.Use(middleware.Timeout(*handlerTimeout))
	}
	if err := srv.Register("echo", func(req *server.Request) {
		req.Reply(status.OK, req.Payload)
	}, nil); err != nil {
		return err
	}

	if *metricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		go func() {
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				log.Error(err, "Metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("Serving", "addr", srv.Addr())
	err = run(ctx, loop)
	return multierr.Append(err, srv.Close())
}

func callCommand(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	var c common
	c.bind(fs)
	balancer := fs.String("lb", "round_robin", "balancer used with -etcd: round_robin, weighted_random or consistent_hash")
	timeout := fs.Duration("timeout", 0, "call deadline, overrides the configuration")
	retries := fs.Int("retries", -1, "retry budget on connection loss, overrides the configuration")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: looprpc call [flags] <method> [payload]")
	}
	method, payload := fs.Arg(0), []byte(fs.Arg(1))

	var (
		cfg *config.Config
		err error
	)
	if c.etcd != "" && c.addr == "" && c.configPath == "" {
		// discovery supplies the address
		cfg = &config.Config{LogLevel: c.logLevel}
	} else if cfg, err = c.load(config.RoleServerClient); err != nil {
		return err
	}
	loop, log, err := c.newLoop(cfg)
	if err != nil {
		return err
	}
	defer loop.Close()

	var cli *client.Client
	reg, err := c.registry()
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		bal := loadbalance.New(*balancer)
		if bal == nil {
			return fmt.Errorf("unknown balancer %q", *balancer)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cli, err = client.DialService(ctx, loop, reg, bal, c.service, cfg, client.WithLogger(log))
		cancel()
	} else {
		cli, err = client.New(loop, cfg, client.WithLogger(log))
	}
	if err != nil {
		return err
	}
	defer cli.Close()

	var opts []client.CallOption
	if *timeout > 0 {
		opts = append(opts, client.WithTimeout(*timeout))
	}
	if *retries >= 0 {
		opts = append(opts, client.WithRetries(*retries))
	}
	out, err := cli.Invoke(method, payload, opts...)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	fmt.Println()
	return nil
}

func publishCommand(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	var c common
	c.bind(fs)
	count := fs.Int("count", 1, "number of times to publish")
	interval := fs.Duration("interval", time.Second, "pause between publishes")
	wait := fs.Int("wait", 0, "subscribers to wait for before publishing")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: looprpc publish [flags] <topic> [payload]")
	}
	topic, payload := fs.Arg(0), []byte(fs.Arg(1))

	cfg, err := c.load(config.RoleBroadcast)
	if err != nil {
		return err
	}
	loop, log, err := c.newLoop(cfg)
	if err != nil {
		return err
	}
	defer loop.Close()

	pub, err := broadcast.NewPublisher(loop, cfg, broadcast.WithLogger(log))
	if err != nil {
		return err
	}
	if err := pub.Start(); err != nil {
		return err
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publishErr error
	sent := 0
	var tick func()
	tick = func() {
		if pub.Subscribers() < *wait {
			loop.AfterFunc(50*time.Millisecond, tick)
			return
		}
		err := pub.Publish(topic, payload, func(err error) {
			if err != nil {
				log.Error(err, "Publish failed", "topic", topic)
			}
		})
		if err != nil {
			publishErr = err
			loop.Stop()
			return
		}
		sent++
		if sent >= *count {
			// let the last write drain before stopping
			loop.AfterFunc(100*time.Millisecond, loop.Stop)
			return
		}
		loop.AfterFunc(*interval, tick)
	}
	loop.Post(tick)

	if err := run(ctx, loop); err != nil {
		return err
	}
	return publishErr
}

func subscribeCommand(args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	var c common
	c.bind(fs)
	count := fs.Int("count", 0, "exit after this many payloads, 0 to run until interrupted")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: looprpc subscribe [flags] <topic>...")
	}

	cfg, err := c.load(config.RoleBroadcast)
	if err != nil {
		return err
	}
	loop, log, err := c.newLoop(cfg)
	if err != nil {
		return err
	}
	defer loop.Close()

	sub, err := broadcast.NewSubscriber(loop, cfg, broadcast.WithLogger(log))
	if err != nil {
		return err
	}
	defer sub.Close()

	received := 0
	for _, topic := range fs.Args() {
		err := sub.Subscribe(topic, func(topic string, payload []byte, _ any) {
			fmt.Printf("%s\t%s\n", topic, payload)
			received++
			if *count > 0 && received >= *count {
				loop.Stop()
			}
		}, nil)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, loop)
}
