package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/libmapper/libmapper"
	"github.com/libmapper/libmapper/store"
	"github.com/libmapper/libmapper/transport"
	"github.com/libmapper/libmapper/utils"
)

type rootOptions struct {
	config   string
	listen   []string
	connect  []string
	archive  string
	http     string
	logLevel string
}

// runtime is one running graph with its transport, archive and
// optional HTTP endpoint.
type runtime struct {
	cfg     *Config
	log     utils.Logger
	net     *transport.Net
	archive *store.Archive
	graph   *libmapper.Graph
	devices []*libmapper.Device
	server  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (o *rootOptions) load(cmd *cobra.Command) (*Config, error) {
	cfg, err := LoadConfig(o.config)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.listen
	}
	if flags.Changed("connect") {
		cfg.Connect = o.connect
	}
	if flags.Changed("archive") {
		cfg.Archive = o.archive
	}
	if flags.Changed("http") {
		cfg.HTTP = o.http
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.validate()
}

func start(cfg *Config) (rt *runtime, err error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}
	rt = &runtime{cfg: cfg, log: utils.NewDefaultLogger(level)}
	defer func() {
		if err != nil {
			rt.stop()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(libmapper.Collectors()...)
	rt.net = transport.NewNet(rt.log)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mapper",
		Subsystem: "net",
		Name:      "peers",
	}, func() float64 { return float64(rt.net.GetStats().Peers) }))

	listens, connects := cfg.Listen, cfg.Connect
	if cfg.Archive != "" {
		if rt.archive, err = store.Open(cfg.Archive); err != nil {
			return rt, errors.Wrap(err, "open archive")
		}
		reg.MustRegister(store.NewCollector(rt.archive))
		known, err := rt.archive.Listens()
		if err != nil {
			return rt, err
		}
		listens = append(listens, known...)
		if known, err = rt.archive.Connects(); err != nil {
			return rt, err
		}
		connects = append(connects, known...)
	}
	for _, addr := range dedup(listens) {
		if err := rt.listen(addr); err != nil {
			return rt, err
		}
	}
	for _, addr := range dedup(connects) {
		if err := rt.connect(addr); err != nil {
			return rt, err
		}
	}

	opts := libmapper.Options{Logger: rt.log, Transport: rt.net, Archive: rt.archive}
	cfg.Options(&opts)
	rt.graph = libmapper.NewGraph(opts)
	if rt.devices, err = cfg.Build(rt.graph); err != nil {
		return rt, err
	}

	if cfg.HTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		rt.routes(mux)
		rt.server = &http.Server{Addr: cfg.HTTP, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Error("http server stopped", "addr", cfg.HTTP, "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.poll(ctx)
	}()
	return rt, nil
}

func (rt *runtime) poll(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := rt.graph.Poll(rt.cfg.PollTimeout); err != nil {
			if errors.Is(err, libmapper.ErrFreed) {
				return
			}
			rt.log.Warn("poll failed", "err", err)
		}
	}
}

func (rt *runtime) listen(addr string) error {
	if err := rt.net.Listen(addr); err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	if rt.archive != nil {
		return rt.archive.AddListen(addr)
	}
	return nil
}

func (rt *runtime) connect(addr string) error {
	if err := rt.net.Connect(addr); err != nil {
		return errors.Wrapf(err, "connect %s", addr)
	}
	if rt.archive != nil {
		return rt.archive.AddConnect(addr)
	}
	return nil
}

func (rt *runtime) stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.server.Shutdown(ctx)
		cancel()
	}
	if rt.graph != nil {
		_ = rt.graph.Free()
	}
	rt.wg.Wait()
	if rt.net != nil {
		_ = rt.net.Close()
	}
	if rt.archive != nil {
		_ = rt.archive.Close()
	}
}

func dedup(addrs []string) (out []string) {
	seen := make(map[string]bool)
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mapper",
		Short:         "Distributed signal mapping node",
		Long:          "Runs a mapper graph, announces the configured devices and offers an interactive console.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rt, err := start(cfg)
			if err != nil {
				return err
			}
			defer rt.stop()
			repl := REPL{rt: rt}
			if err := repl.Open(); err != nil {
				return err
			}
			defer repl.Close()
			return repl.Run()
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.config, "config", "c", "", "YAML config file")
	pf.StringSliceVar(&opts.listen, "listen", nil, "addresses to accept peers on")
	pf.StringSliceVar(&opts.connect, "connect", nil, "peer addresses to dial")
	pf.StringVar(&opts.archive, "archive", "", "pebble directory for the warm start cache")
	pf.StringVar(&opts.http, "http", "", "address for /metrics and the JSON directory")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")

	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run without a console until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rt, err := start(cfg)
			if err != nil {
				return err
			}
			defer rt.stop()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
