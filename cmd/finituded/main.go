package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dulitz/finitude/pkg/config"
	"github.com/dulitz/finitude/pkg/metrics"
	"github.com/dulitz/finitude/pkg/monitor"
	"github.com/dulitz/finitude/pkg/registry"
	"github.com/dulitz/finitude/pkg/sniffer"
	"github.com/dulitz/finitude/pkg/sqlsink"
)

var (
	configPath  = flag.String("config", "/etc/finitude.yaml", "path to YAML configuration file")
	metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (overrides config)")
	snifferAddr = flag.String("sniffer-addr", "", "address to serve the sniffer endpoint on (overrides config)")
	dbDSN       = flag.String("db", "", "sqlite3 DSN for archival recording (overrides config)")
	listener    = flag.String("listener", "", "name=endpoint listener, may be repeated as name=endpoint,name2=endpoint2")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting finituded")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = config.DefaultMetricsAddr
	}
	if *snifferAddr != "" {
		cfg.SnifferAddr = *snifferAddr
	}
	if cfg.SnifferAddr == "" {
		cfg.SnifferAddr = config.DefaultSnifferAddr
	}
	if *dbDSN != "" {
		cfg.DB = *dbDSN
	}
	if cfg.Listeners == nil {
		cfg.Listeners = make(map[string]config.Listener)
	}
	for _, pair := range splitListenerFlags(*listener) {
		cfg.Listeners[pair.name] = config.Listener{Path: pair.endpoint}
	}
	if len(cfg.Listeners) == 0 {
		log.Fatalf("No listeners configured; set listeners: in %s or pass -listener", *configPath)
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg, log.Default())

	var sink *sqlsink.Sink
	if cfg.DB != "" {
		sink, err = sqlsink.Open(cfg.DB)
		if err != nil {
			log.Fatalf("Failed to open archival database %s: %v", cfg.DB, err)
		}
		defer sink.Close()
		log.Printf("Archiving decoded registers to %s", cfg.DB)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitors := make(map[string]*monitor.Monitor, len(cfg.Listeners))
	for name, l := range cfg.Listeners {
		mcfg := monitor.Config{
			ID:             name,
			Endpoint:       l.Path,
			RequireAck06:   l.RequireAck06OrDefault(),
			ReconnectDelay: cfg.ReconnectDelay,
			Sink:           sink,
		}
		m := monitor.New(mcfg, registry.DefaultSchema, metricsReg, log.Default())
		monitors[name] = m
		go func() {
			if err := m.Run(ctx); err != nil {
				log.Fatalf("%s: %v", name, err)
			}
		}()
		log.Printf("Monitoring %s via %s (require_ack06=%v)", name, l.Path, mcfg.RequireAck06)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("Serving metrics on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	snifferSrv := sniffer.New(monitors)
	snifferServer := &http.Server{Addr: cfg.SnifferAddr, Handler: snifferSrv.Handler()}
	go func() {
		log.Printf("Serving sniffer endpoint on %s", cfg.SnifferAddr)
		if err := snifferServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sniffer server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down...")

	cancel()
	for _, m := range monitors {
		m.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)
	snifferServer.Shutdown(shutdownCtx)
}

type listenerFlag struct {
	name     string
	endpoint string
}

// splitListenerFlags parses a comma-separated list of name=endpoint
// pairs, as supplied via -listener. A part with no '=' or an empty name
// or endpoint is skipped.
func splitListenerFlags(s string) []listenerFlag {
	var out []listenerFlag
	for _, part := range strings.Split(s, ",") {
		name, endpoint, ok := strings.Cut(part, "=")
		if !ok || name == "" || endpoint == "" {
			continue
		}
		out = append(out, listenerFlag{name: name, endpoint: endpoint})
	}
	return out
}
