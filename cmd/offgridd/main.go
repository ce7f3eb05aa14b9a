// Command offgridd runs the offline mutation queue as a local daemon: it
// keeps the durable action store, probes upstream connectivity, syncs
// whenever the link is up, and serves a localhost WebSocket feed of queue
// snapshots for on-device observers.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/calebhs/offgrid/internal/backoff"
	"github.com/calebhs/offgrid/internal/config"
	"github.com/calebhs/offgrid/internal/connectivity"
	"github.com/calebhs/offgrid/internal/engine"
	"github.com/calebhs/offgrid/internal/logging"
	"github.com/calebhs/offgrid/internal/queue"
	"github.com/calebhs/offgrid/internal/store"
)

const (
	envAPIBase  = "OFFGRID_API_BASE"
	envDotfile  = ".env"
	probePeriod = 15 * time.Second
	syncPeriod  = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	// Optional .env for local development; real deployments set the
	// environment directly.
	if err := godotenv.Load(envDotfile); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to load .env file", map[string]interface{}{
			"error": err.Error(),
		})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("invalid configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Logging.Level))

	apiBase := os.Getenv(envAPIBase)
	if apiBase == "" {
		logging.Error("missing required environment", nil, map[string]interface{}{
			"variable": envAPIBase,
		})
		os.Exit(1)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		logging.Error("failed to open action store", err)
		os.Exit(1)
	}

	monitor := connectivity.NewMonitor(false)
	q := queue.New(queue.Options{
		Store:        st,
		Client:       engine.DefaultHTTPClient(apiBase),
		Connectivity: monitor,
		Policy:       backoff.NewPolicy(cfg.Backoff.Base, cfg.Backoff.Max, cfg.Backoff.JitterFrac),
		Engine: engine.Config{
			BatchSize:           cfg.Engine.BatchSize,
			Concurrency:         cfg.Engine.Concurrency,
			ConnectPollInterval: cfg.Engine.ConnectPollInterval,
		},
		RetentionAge:  cfg.Store.RetentionAge,
		PurgeInterval: cfg.Store.PurgeInterval,
	})
	if err := q.Initialize(); err != nil {
		logging.Error("failed to initialize queue", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Regained connectivity kicks off a session immediately; a periodic
	// timer catches actions whose backoff deadlines have since passed.
	monitor.Subscribe(func(online bool) {
		if online {
			q.StartSync(ctx)
		}
	})
	go probeLoop(ctx, monitor, apiBase)
	go syncLoop(ctx, q, monitor)

	var server *http.Server
	if cfg.Events.Enabled {
		hub := newWSHub()
		q.Subscribe(hub.BroadcastSnapshot)
		server = serveEvents(cfg.Events.ListenAddr, hub)
	}

	logging.Info("offgridd running", map[string]interface{}{
		"store":    cfg.Store.Backend,
		"api_base": apiBase,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if err := q.Shutdown(); err != nil {
		logging.Error("shutdown failed", err)
		os.Exit(1)
	}
}

// openStore builds the configured DurableStore backend.
func openStore(cfg config.StoreConfig) (store.DurableStore, error) {
	switch cfg.Backend {
	case "postgres":
		return store.NewPostgresStore(cfg.PostgresDSN, cfg.QuotaBytes)
	case "memory":
		ms := store.NewMemoryStore(0)
		ms.SetQuotaBytes(cfg.QuotaBytes)
		return ms, nil
	default:
		return store.NewSQLiteStore(cfg.DataDir, cfg.QuotaBytes)
	}
}

// probeLoop keeps the connectivity monitor current by probing the API base.
func probeLoop(ctx context.Context, monitor *connectivity.Monitor, apiBase string) {
	client := &http.Client{Timeout: 5 * time.Second}
	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, apiBase, nil)
		if err != nil {
			monitor.SetOnline(false)
			return
		}
		started := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			monitor.SetOnline(false)
			return
		}
		resp.Body.Close()
		monitor.SetQuality(connectivity.LinkQuality{RTT: time.Since(started)})
		monitor.SetOnline(true)
	}

	probe()
	ticker := time.NewTicker(probePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// syncLoop periodically starts a session while online, picking up actions
// whose retry deadlines have passed since the last run.
func syncLoop(ctx context.Context, q *queue.OfflineQueue, monitor *connectivity.Monitor) {
	ticker := time.NewTicker(syncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !monitor.Online() || q.IsSyncing() {
				continue
			}
			// Skip the session entirely when nothing could dispatch, e.g.
			// every pending action is blocked on a missing dependency.
			if ok, err := q.HasDispatchable(); err != nil || !ok {
				continue
			}
			q.StartSync(ctx)
		}
	}
}

// serveEvents starts the localhost WebSocket feed.
func serveEvents(addr string, hub *wsHub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", handleWebSocket(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"offgridd"}`))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Info("event feed listening", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("event feed server failed", err)
		}
	}()
	return server
}
