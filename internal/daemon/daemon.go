// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/wstap/internal/action"
	"firestige.xyz/wstap/internal/command"
	"firestige.xyz/wstap/internal/config"
	"firestige.xyz/wstap/internal/decoder"
	"firestige.xyz/wstap/internal/intercept"
	logpkg "firestige.xyz/wstap/internal/log"
	"firestige.xyz/wstap/internal/metrics"
	"firestige.xyz/wstap/internal/proxy"
	"firestige.xyz/wstap/internal/relay"
	consolesink "firestige.xyz/wstap/internal/sink/console"
	kafkasink "firestige.xyz/wstap/internal/sink/kafka"
	"firestige.xyz/wstap/internal/tap"
	"firestige.xyz/wstap/pkg/schema"
	"firestige.xyz/wstap/pkg/schema/protoschema"
)

// Version is the tap version installed by the daemon. Overridden at build
// time with -ldflags "-X firestige.xyz/wstap/internal/daemon.Version=...".
var Version = "0.1.0"

// Daemon manages the wstap daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	host          *tap.Host
	tap           *tap.Tap
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	proxyServer   *proxy.Server                 // nil if the bridge is disabled
	kafkaConsumer *command.KafkaCommandConsumer // nil if the command channel is disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	groupCtx     context.Context // done when any server fails
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads the configuration and creates a Daemon. Empty socketPath and
// pidFile fall back to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		host:         tap.NewHost(),
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting wstap daemon",
		"version", Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Install the tap
	t, installed, err := d.host.Install(Version, d.buildTap)
	if err != nil {
		return fmt.Errorf("failed to install tap: %w", err)
	}
	d.tap = t
	if installed {
		t.Start(d.ctx)
	}

	// 5. Command handler; daemon_shutdown triggers a graceful stop
	d.cmdHandler = command.NewCommandHandler(t, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 6. Servers run under one errgroup bound to the daemon context
	g, gctx := errgroup.WithContext(d.ctx)
	d.group, d.groupCtx = g, gctx

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	g.Go(func() error { return d.udsServer.Start(gctx) })

	cfg := d.currentConfig()
	if cfg.Proxy.Enabled {
		d.proxyServer = proxy.NewServer(proxy.Config{
			Listen:              cfg.Proxy.Listen,
			Upstream:            cfg.Proxy.Upstream,
			AllowTargetOverride: cfg.Proxy.AllowTargetOverride,
		}, t)
		g.Go(func() error { return d.proxyServer.Start(gctx) })
	}

	// 7. Kafka command channel; non-fatal, UDS control still works
	if cfg.Control.Kafka.Enabled {
		consumer, err := command.NewKafkaCommandConsumer(cfg.Control.Kafka, d.cmdHandler)
		if err != nil {
			slog.Error("failed to start kafka command consumer", "error", err)
		} else {
			d.kafkaConsumer = consumer
			g.Go(func() error { return consumer.Start(gctx) })
		}
	}

	if err := d.waitReady("control socket", d.udsServer.Ready()); err != nil {
		return err
	}
	if d.proxyServer != nil {
		if err := d.waitReady("bridge proxy", d.proxyServer.Ready()); err != nil {
			return err
		}
	}

	slog.Info("daemon started successfully", "tap_id", t.ID())
	return nil
}

// waitReady blocks until ready is closed. A server failing first, or a
// timeout, stops the daemon.
func (d *Daemon) waitReady(name string, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-d.groupCtx.Done():
		err := d.group.Wait()
		d.Stop()
		return fmt.Errorf("failed to start %s: %w", name, err)
	case <-time.After(5 * time.Second):
		d.Stop()
		return fmt.Errorf("%s not ready after 5s", name)
	}
}

// buildTap assembles a tap and its relay, sinks and schema source from the
// current configuration.
func (d *Daemon) buildTap() (*tap.Tap, error) {
	cfg := d.currentConfig()

	fwd := relay.New(relay.Config{
		URL:              cfg.Relay.URL,
		QueueSize:        cfg.Relay.QueueSize,
		MaxRetries:       cfg.Relay.MaxRetries,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		WriteTimeout:     cfg.Relay.WriteTimeout,
	})

	var sinks []tap.Sink
	if cfg.Sinks.Console.Enabled {
		s, err := consolesink.New(cfg.Sinks.Console.Format)
		if err != nil {
			return nil, fmt.Errorf("console sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.Kafka.Enabled {
		s, err := kafkasink.New(cfg.Sinks.Kafka.Options)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	src, err := schemaSource(cfg.Schema)
	if err != nil {
		return nil, err
	}

	return tap.New(tap.Config{
		Decoder: decoder.Config{
			Namespaces:       cfg.Decoder.Namespaces,
			DefaultNamespace: cfg.Decoder.DefaultNamespace,
			Skip:             cfg.Decoder.Skip,
		},
		Intercept: intercept.Config{
			UpstreamProxy:    cfg.Intercept.UpstreamProxy,
			HandshakeTimeout: cfg.Intercept.HandshakeTimeout,
			TapLoopback:      cfg.Intercept.TapLoopback,
		},
		Action: action.Config{
			Namespace:   cfg.Action.Namespace,
			MessageType: cfg.Action.MessageType,
			Topic:       cfg.Action.Topic,
		},
		EventHistory:   cfg.History.Events,
		UnknownHistory: cfg.History.Unknown,
		PollInterval:   cfg.Schema.PollInterval,
	}, src, fwd, sinks...)
}

// schemaSource polls the configured descriptor set. Without one the tap
// runs without a schema and drops every frame as not ready.
func schemaSource(sc config.SchemaConfig) (schema.Source, error) {
	if sc.Descriptors == "" {
		slog.Warn("no schema descriptors configured, frames will not be decoded")
		return nil, nil
	}
	var manifest *protoschema.Manifest
	if sc.Manifest != "" {
		m, err := protoschema.LoadManifest(sc.Manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema manifest: %w", err)
		}
		manifest = m
	}
	return &protoschema.FileSource{Path: sc.Descriptors, Manifest: manifest}, nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")

		// 1. Cancel the context: servers and the command consumer return
		d.cancel()
		if d.group != nil {
			if err := d.group.Wait(); err != nil {
				slog.Error("server stopped with error", "error", err)
			}
		}
		if d.kafkaConsumer != nil {
			if err := d.kafkaConsumer.Stop(); err != nil {
				slog.Error("error stopping kafka consumer", "error", err)
			}
		}
		d.cleanup()
	})
}

// cleanup releases everything Start acquired outside the errgroup.
func (d *Daemon) cleanup() {
	d.cancel()

	// 2. Stop the tap: relay and sinks
	if d.tap != nil {
		d.tap.Stop()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Unregister signal handler
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 6. Flush log outputs
	if err := logpkg.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "wstap: closing log outputs: %v\n", err)
	}
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS/Kafka
//  3. a server failing
//
// SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.done():
			err := d.group.Wait()
			slog.Info("server stopped, shutting down", "error", err)
			d.Stop()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level, format and outputs.
// Everything else is reported as requiring a restart.
// Implements ConfigReloader for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	old := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}
	if newConfig.Log.Level != old.Log.Level || newConfig.Log.Format != old.Log.Format ||
		newConfig.Log.Outputs.File != old.Log.Outputs.File {
		if err := d.initLogging(); err != nil {
			slog.Error("failed to reinitialize logging", "error", err)
		} else {
			hotReloaded = append(hotReloaded, "log")
		}
	}

	requiresRestart := []string{}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Proxy != old.Proxy {
		requiresRestart = append(requiresRestart, "proxy")
	}
	if newConfig.Relay != old.Relay {
		requiresRestart = append(requiresRestart, "relay")
	}
	if newConfig.Schema != old.Schema {
		requiresRestart = append(requiresRestart, "schema")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Tap returns the installed tap, nil before Start.
func (d *Daemon) Tap() *tap.Tap { return d.tap }

// ProxyAddr returns the bridge's bound address, or "" when disabled.
func (d *Daemon) ProxyAddr() string {
	if d.proxyServer == nil || d.proxyServer.Addr() == nil {
		return ""
	}
	return d.proxyServer.Addr().String()
}

// done is closed when a server fails; nil before Start.
func (d *Daemon) done() <-chan struct{} {
	if d.groupCtx == nil {
		return nil
	}
	return d.groupCtx.Done()
}

func (d *Daemon) currentConfig() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

func (d *Daemon) initLogging() error {
	cfg := d.currentConfig()
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)
	return nil
}

func (d *Daemon) startMetrics() error {
	cfg := d.currentConfig()
	if !cfg.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return err
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
