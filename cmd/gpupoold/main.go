package main

import (
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/velos-ai/gpupool/common/config"
	"github.com/velos-ai/gpupool/common/lifecycle"
	"github.com/velos-ai/gpupool/common/metrics"
	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/scheduler"
)

var (
	version string
	app     = kingpin.New("gpupoold", "GPU memory pool allocator and task scheduler")

	debug = app.Flag(
		"debug", "enable debug logging").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	cfgFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	tickInterval = app.Flag(
		"tick-interval",
		"Monitor tick interval (monitor.tick_interval override) (set $TICK_INTERVAL to override)").
		Envar("TICK_INTERVAL").
		Duration()

	httpPort = app.Flag(
		"http-port", "Metrics/health port (http_port override) (set $HTTP_PORT to override)").
		Envar("HTTP_PORT").
		Int()
)

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})

	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("files", *cfgFiles).Info("Loading gpupool config")
	var cfg Config
	if err := config.Parse(&cfg, *cfgFiles...); err != nil {
		log.WithField("error", err).Fatal("Cannot parse yaml config")
	}

	// CLI flags override the loaded config
	if *tickInterval != 0 {
		cfg.Monitor.TickInterval = *tickInterval
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if cfg.Monitor.TickInterval == 0 {
		cfg.Monitor.TickInterval = defaultTickInterval
	}
	if len(cfg.Devices) == 0 {
		log.Fatal("No devices configured")
	}
	cfg.Scheduler.Normalize()

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics, "gpupool", 10*time.Second)
	defer scopeCloser.Close()

	if cfg.HTTPPort != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			log.WithField("addr", addr).Info("Serving metrics and health")
			if err := nethttp.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("http server exited")
			}
		}()
	}

	registry := device.NewRegistry(cfg.Scheduler.FitStrategy, rootScope)
	for _, dev := range cfg.Devices {
		if err := registry.Register(dev); err != nil {
			log.WithError(err).WithField("device", dev.ID).
				Fatal("Cannot register device")
		}
	}

	mgr := scheduler.NewManager(
		cfg.Scheduler,
		registry,
		newSimulatedTelemetry(registry),
		rootScope,
	)

	lc := lifecycle.NewLifeCycle()
	lc.Start()
	go func() {
		defer lc.StopComplete()

		ticker := time.NewTicker(cfg.Monitor.TickInterval)
		defer ticker.Stop()

		log.WithField("interval", cfg.Monitor.TickInterval).
			Info("Starting threshold monitor loop")
		for {
			select {
			case <-lc.StopCh():
				log.Info("Exiting threshold monitor loop")
				return
			case <-ticker.C:
				if err := mgr.Tick(); err != nil {
					log.WithError(err).Warn("monitor tick finished with errors")
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("Shutting down")

	lc.Stop()
	lc.Wait()
}
