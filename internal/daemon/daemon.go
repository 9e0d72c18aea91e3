package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carnitrack/edge/internal/api"
	"github.com/carnitrack/edge/internal/batch"
	"github.com/carnitrack/edge/internal/cloud"
	"github.com/carnitrack/edge/internal/device"
	"github.com/carnitrack/edge/internal/event"
	"github.com/carnitrack/edge/internal/infra/sqlite"
	"github.com/carnitrack/edge/internal/scale"
	"github.com/carnitrack/edge/internal/session"
	edgesync "github.com/carnitrack/edge/internal/sync"
)

// Version is the gateway version reported to the Cloud and the admin API.
const Version = "1.0.0"

// Daemon is the edge gateway runtime. It wires together all services.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Registry  *device.Registry
	Monitor   *device.Monitor
	Batches   *batch.Manager
	Client    *cloud.Client
	Identity  *cloud.IdentityManager
	Processor *event.Processor
	Sessions  *session.Cache
	Sync      *edgesync.Service
	TCP       *scale.Server
	API       *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	dir := cfg.Storage.Dir
	if dir == "" {
		dir = Home()
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	registry := device.NewRegistry(db)
	if err := registry.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load devices: %w", err)
	}

	monitor := device.NewMonitor(registry, device.MonitorConfig{
		CheckInterval:    Millis(cfg.Heartbeat.CheckInterval),
		HeartbeatTimeout: Millis(cfg.Heartbeat.Timeout),
		IdleThreshold:    Millis(cfg.Activity.IdleThreshold),
		StaleThreshold:   Millis(cfg.Activity.StaleThreshold),
	})

	batches := batch.NewManager(db, int64(cfg.Offline.MaxEventsPerBatch))
	if err := batches.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load batches: %w", err)
	}

	client := cloud.NewClient(cloud.Config{
		APIURL:            cfg.Cloud.APIURL,
		Version:           Version,
		EventSendTimeout:  Millis(cfg.Cloud.EventSendTimeout),
		MaxRetries:        cfg.Cloud.MaxRetries,
		RetryDelay:        Millis(cfg.Cloud.RetryDelay),
		BackoffMultiplier: cfg.Cloud.BackoffMultiplier,
		MaxRetryDelay:     Millis(cfg.Cloud.MaxRetryDelay),
		QueueWhenOffline:  cfg.Cloud.QueueWhenOffline,
		MaxQueueSize:      cfg.Cloud.MaxQueueSize,
	})

	identity := cloud.NewIdentityManager(db, client, cfg.Cloud.SiteID, cfg.Cloud.SiteName, Version)
	if err := identity.Bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	processor := event.NewProcessor(db, registry, batches, client, Millis(cfg.Offline.TriggerDelay))

	sessions := session.NewCache(client, registry, session.Config{
		PollInterval:    Millis(cfg.Session.PollInterval),
		Expiry:          Millis(cfg.Session.CacheExpiry),
		CleanupInterval: Millis(cfg.Session.CleanupInterval),
	})

	syncSvc := edgesync.NewService(client, processor, batches, db, registry, edgesync.Config{
		BatchSize:        cfg.Sync.BatchSize,
		RetryInterval:    Millis(cfg.Sync.RetryInterval),
		BacklogSyncDelay: Millis(cfg.Sync.BacklogSyncDelay),
	})
	client.OnConnected(syncSvc.OnConnected)

	tcp := scale.NewServer(scale.ServerConfig{
		Host:              cfg.TCP.Host,
		Port:              cfg.TCP.Port,
		MaxFrameBytes:     cfg.TCP.MaxFrameBytes,
		RegistrationGrace: Millis(cfg.TCP.RegistrationGrace),
	}, registry, processor)

	srv := api.NewServer(db, registry, client, sessions, Version)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		DB:        db,
		Registry:  registry,
		Monitor:   monitor,
		Batches:   batches,
		Client:    client,
		Identity:  identity,
		Processor: processor,
		Sessions:  sessions,
		Sync:      syncSvc,
		TCP:       tcp,
		API:       srv,
	}, nil
}

// Serve starts every service and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Client.Run(ctx)
	go d.Monitor.Run(ctx)
	go d.Sessions.Run(ctx)
	go d.Sync.Run(ctx)

	go d.bootstrapCloud(ctx)
	go d.probeLoop(ctx)
	go d.statusPushLoop(ctx)
	go d.retentionLoop(ctx)

	if err := d.TCP.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.API.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.TCP.Stop()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	log.Printf("[daemon] gateway serving: scales on %s:%d, admin api on http://%s",
		d.Config.TCP.Host, d.Config.TCP.Port, addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.TCP != nil {
		d.TCP.Stop()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// bootstrapCloud registers with the Cloud (or verifies the stored
// identity) and pulls config overrides. Failures leave the gateway
// offline; the probe loop keeps trying.
func (d *Daemon) bootstrapCloud(ctx context.Context) {
	if d.Config.Cloud.APIURL == "" {
		log.Printf("[daemon] no cloud api url configured, running offline-only")
		return
	}

	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if d.Client.Identity() == nil {
		if _, err := d.Identity.Ensure(regCtx, "startup"); err != nil {
			log.Printf("[daemon] startup registration: %v", err)
			return
		}
	} else if err := d.Client.Probe(regCtx); err != nil {
		log.Printf("[daemon] startup probe: %v", err)
		return
	}

	overrides, err := d.Client.FetchConfig(regCtx)
	if err != nil {
		log.Printf("[daemon] fetch cloud config: %v", err)
		return
	}
	d.applyCloudOverrides(overrides)
}

// applyCloudOverrides retunes the sync service from the recognized keys
// of the fetched config. Overrides last until restart; unknown keys are
// logged and ignored.
func (d *Daemon) applyCloudOverrides(overrides map[string]json.RawMessage) {
	intKey := func(key string) int {
		raw, ok := overrides[key]
		if !ok {
			return 0
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
			log.Printf("[daemon] cloud config %s=%s: ignoring", key, raw)
			return 0
		}
		delete(overrides, key)
		return n
	}

	batchSize := intKey("syncBatchSize")
	retryMs := intKey("syncRetryIntervalMs")
	backlogMs := intKey("backlogSyncDelayMs")
	if batchSize > 0 || retryMs > 0 || backlogMs > 0 {
		d.Sync.Tune(batchSize, Millis(retryMs), Millis(backlogMs))
		log.Printf("[daemon] applied cloud sync overrides: batchSize=%d retryIntervalMs=%d backlogDelayMs=%d",
			batchSize, retryMs, backlogMs)
	}

	if len(overrides) > 0 {
		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			keys = append(keys, k)
		}
		log.Printf("[daemon] unrecognized cloud config keys: %v", keys)
	}
}

// probeLoop re-tests Cloud reachability while offline. A successful
// probe flips the client online, which triggers the sync recovery flush
// and the queue drain.
func (d *Daemon) probeLoop(ctx context.Context) {
	if d.Config.Cloud.APIURL == "" {
		return
	}
	ticker := time.NewTicker(Millis(d.Config.Cloud.ProbeInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.Client.IsOnline() {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, Millis(d.Config.Cloud.EventSendTimeout))
			if err := d.Client.Probe(probeCtx); err != nil {
				log.Printf("[daemon] cloud probe: %v", err)
			}
			cancel()
		}
	}
}

// statusPushLoop periodically uploads the device status snapshot.
func (d *Daemon) statusPushLoop(ctx context.Context) {
	if d.Config.Cloud.APIURL == "" || d.Config.Cloud.StatusPushEvery <= 0 {
		return
	}
	ticker := time.NewTicker(Millis(d.Config.Cloud.StatusPushEvery))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.Client.IsOnline() {
				continue
			}
			devices := d.Registry.List()
			if len(devices) == 0 {
				continue
			}
			reports := make([]cloud.DeviceStatusReport, 0, len(devices))
			for _, dev := range devices {
				r := cloud.DeviceStatusReport{
					DeviceID:       dev.DeviceID,
					GlobalDeviceID: dev.GlobalDeviceID,
					Status:         string(dev.Status),
					TCPConnected:   dev.TCPConnected,
					EventCount:     dev.EventCount,
				}
				if !dev.LastHeartbeatAt.IsZero() {
					r.LastHeartbeatAt = dev.LastHeartbeatAt.UTC().Format(time.RFC3339)
				}
				if !dev.LastEventAt.IsZero() {
					r.LastEventAt = dev.LastEventAt.UTC().Format(time.RFC3339)
				}
				reports = append(reports, r)
			}
			if err := d.Client.PushDeviceStatus(ctx, reports); err != nil {
				log.Printf("[daemon] push device status: %v", err)
			}
		}
	}
}

// retentionLoop prunes synced events and reconciled batches past the
// retention window, once a day.
func (d *Daemon) retentionLoop(ctx context.Context) {
	days := d.Config.Offline.RetentionDays
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		d.sweepRetention(days)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) sweepRetention(days int) {
	cutoff := time.Now().AddDate(0, 0, -days)
	if n, err := d.DB.PruneSyncedEvents(cutoff); err != nil {
		log.Printf("[daemon] prune events: %v", err)
	} else if n > 0 {
		log.Printf("[daemon] pruned %d synced events older than %d days", n, days)
	}
	if n, err := d.DB.PruneBatches(cutoff); err != nil {
		log.Printf("[daemon] prune batches: %v", err)
	} else if n > 0 {
		log.Printf("[daemon] pruned %d reconciled batches older than %d days", n, days)
	}
}
