package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stanford-rc/hsm-action-stream"
	hsmhttp "github.com/stanford-rc/hsm-action-stream/http"
	"github.com/stanford-rc/hsm-action-stream/redis"
)

// Retry envelope for reaching Redis in run-once mode.
const runOncePingTimeout = 60 * time.Second

func main() {
	log.SetFlags(0)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMain()
	if err := m.ParseFlags(os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Run-once mode performs a single poll cycle and exits.
	if m.RunOnce {
		if err := m.runOnce(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := m.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = m.Close()
		os.Exit(1)
	}

	// Wait for a signal to stop. A second signal forces an exit.
	sig := <-signalCh
	log.Printf("signal received (%s), hsm-action-shipper shutting down", sig)
	go func() {
		<-signalCh
		log.Printf("second signal received, forcing exit")
		os.Exit(1)
	}()

	cancel()
	if err := m.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Main represents the command line program.
type Main struct {
	Config Config

	// Run one poll cycle and exit instead of looping.
	RunOnce bool

	// In run-once mode, also run one maintenance pass.
	Reconcile bool

	Store      *hsmstream.Store
	Client     *redis.Client
	HTTPServer *hsmhttp.Server
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{Config: NewConfig()}
}

// ParseFlags parses the command line flags & config file.
func (m *Main) ParseFlags(args []string) (err error) {
	fs := flag.NewFlagSet("hsm-action-shipper", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	fs.BoolVar(&m.RunOnce, "run-once", false, "run one poll cycle and exit")
	fs.BoolVar(&m.Reconcile, "reconcile", false, "with -run-once, also run one maintenance pass")
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	if m.Reconcile && !m.RunOnce {
		return fmt.Errorf("-reconcile requires -run-once")
	}

	if err := ParseConfigPath(*configPath, !*noExpandEnv, &m.Config); err != nil {
		return err
	}
	return m.Config.Validate()
}

func (m *Main) Close() (err error) {
	if m.HTTPServer != nil {
		if e := m.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if m.Store != nil {
		if e := m.Store.Close(); err == nil {
			err = e
		}
	}

	if m.Client != nil {
		if e := m.Client.Close(); err == nil {
			err = e
		}
	}

	return err
}

// Run starts the shipper daemon.
func (m *Main) Run(ctx context.Context) (err error) {
	m.initLog()
	m.initStore()

	if err := m.initHTTPServer(); err != nil {
		return fmt.Errorf("cannot init http server: %w", err)
	}

	if err := m.Store.Open(); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}
	log.Printf("shipping %s to redis at %s every %ds", m.Config.MDTWatchGlob, m.Config.RedisAddr(), m.Config.PollInterval)

	if m.HTTPServer != nil {
		m.HTTPServer.Serve()
		log.Printf("http server listening on: %s", m.HTTPServer.URL())
	}

	// Register expvar variable once so it doesn't panic during tests.
	expvarOnce.Do(func() { expvar.Publish("store", (*hsmstream.StoreVar)(m.Store)) })

	return nil
}

// runOnce performs exactly one poll cycle, plus one maintenance pass
// if requested, and returns an error on any unrecoverable failure.
func (m *Main) runOnce(ctx context.Context) error {
	m.initLog()
	m.initStore()

	// Give Redis a bounded retry envelope before giving up.
	pingCtx, cancel := context.WithTimeout(ctx, runOncePingTimeout)
	defer cancel()
	if err := m.Client.Retry(pingCtx, "ping", func() error {
		return m.Client.Ping(pingCtx)
	}); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	if err := m.Store.RunOnce(ctx, m.Reconcile); err != nil {
		return err
	}
	return m.Close()
}

// initLog routes the log to a rolling on-disk file, if configured,
// multi-writing to stderr as well.
func (m *Main) initLog() {
	if m.Config.LogLevel == "debug" {
		// Applied to the store in initStore().
		log.Printf("debug logging enabled")
	}

	if m.Config.LogFile == "" {
		return
	}

	var w io.Writer = &lumberjack.Logger{
		Filename:   m.Config.LogFile,
		MaxSize:    m.Config.LogMaxSize,
		MaxBackups: m.Config.LogMaxCount,
		Compress:   m.Config.LogCompress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
}

func (m *Main) initStore() {
	client := redis.NewClient(m.Config.RedisAddr())
	client.DB = m.Config.RedisDB
	client.Password = m.Config.RedisPassword
	m.Client = client

	store := hsmstream.NewStore(
		hsmstream.NewScanner(m.Config.MDTWatchGlob),
		hsmstream.NewCacheStore(m.Config.CachePath),
		client,
	)
	store.StreamPrefix = m.Config.RedisStreamPrefix
	store.PollInterval = time.Duration(m.Config.PollInterval) * time.Second
	store.ReconcileInterval = time.Duration(m.Config.ReconcileInterval) * time.Second
	store.ReplayChunkSize = m.Config.ReplayChunkSize
	store.TrimChunkSize = m.Config.TrimChunkSize
	store.AggressiveTrimThreshold = m.Config.AggressiveTrimThreshold
	store.Debug = m.Config.LogLevel == "debug"
	m.Store = store
}

func (m *Main) initHTTPServer() error {
	if m.Config.HTTPAddr == "" {
		return nil
	}

	server := hsmhttp.NewServer(m.Store, m.Config.HTTPAddr)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	m.HTTPServer = server
	return nil
}

var expvarOnce sync.Once
