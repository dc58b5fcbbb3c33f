// Package main is the entry point for the CSE (Common Services Entity):
// a oneM2M-compliant IoT middleware storing a hierarchical resource tree
// and mediating CRUD+Notify operations between devices, applications,
// and peer CSEs.
//
// The application performs the following initialization sequence:
//  1. Load configuration from config file and environment variables
//  2. Initialize structured logging with zap
//  3. Initialize storage (in-memory or Redis-backed) and the event bus
//  4. Bootstrap the CSEBase resource on first startup
//  5. Wire the Dispatcher, Registration/Announcement managers, and the
//     Subscription/Notification Engine
//  6. Start the scheduler's periodic jobs (expiration sweep, announcement
//     retry) and, for MN/ASN-type CSEs, the registrar check-in goroutine
//  7. Start the HTTP binding adapter with graceful shutdown support
//
// Graceful shutdown is triggered by SIGINT (Ctrl+C) or SIGTERM signals.
//
// Example usage:
//
//	# Start with default config
//	./cse
//
//	# Start with custom config file
//	./cse --config=/etc/acme-cse/config.yaml
//
//	# Start with environment variable overrides
//	export ACME_CSE_SERVER_PORT=9090
//	./cse
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpbinding "github.com/ankraft/acme-cse/internal/binding/http"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/announcement"
	"github.com/ankraft/acme-cse/internal/config"
	"github.com/ankraft/acme-cse/internal/dispatcher"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/expiration"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/notification"
	"github.com/ankraft/acme-cse/internal/registration"
	"github.com/ankraft/acme-cse/internal/storage"
)

const (
	// Version is the application version (set via build flags).
	Version = "1.0.0"

	// ServiceName is the name of this service.
	ServiceName = "acme-cse"
)

var (
	// Command-line flags.
	configPath  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		if _, err := fmt.Fprintf(os.Stdout, "%s version %s\n", ServiceName, Version); err != nil {
			panic(err)
		}
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the main application logic. It returns an error if any
// critical initialization or runtime error occurs.
func run() error {
	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Observability.Logging.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", syncErr)
		}
	}()

	logger.Info("CSE starting",
		zap.String("version", Version),
		zap.String("service", ServiceName),
		zap.String("cse_id", cfg.CSE.CSEID),
		zap.String("cse_type", cfg.CSE.CSEType),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(logger); err != nil {
			logger.Error("failed to close components", zap.Error(err))
		}
	}()

	return runWithShutdown(cfg, logger, components)
}

// ApplicationComponents holds all initialized application components.
type ApplicationComponents struct {
	store            storage.Store
	bus              eventbus.Bus
	registry         *registration.Registry
	notifier         *notification.Notifier
	engine           *notification.Engine
	announcementMgr  *announcement.Manager
	scheduler        *eventbus.Scheduler
	dispatcher       *dispatcher.Dispatcher
	binding          *httpbinding.Server
	cancelBackground context.CancelFunc
}

// Close shuts down all components gracefully and returns any errors
// encountered. All components are closed even if earlier close
// operations fail, aggregated with errors.Join the same way the
// teacher's ApplicationComponents.Close does.
func (c *ApplicationComponents) Close(logger *logging.Logger) error {
	var closeErrors []error

	if c.cancelBackground != nil {
		c.cancelBackground()
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.engine != nil {
		c.engine.Stop()
	}
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			logger.Warn("failed to close event bus", zap.Error(err))
			closeErrors = append(closeErrors, fmt.Errorf("event bus: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
			closeErrors = append(closeErrors, fmt.Errorf("storage: %w", err))
		}
	}

	return errors.Join(closeErrors...)
}

// loadConfiguration loads and validates the application configuration.
func loadConfiguration(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initializeComponents initializes storage, the event bus, the
// Dispatcher and its satellite managers, and the HTTP binding adapter.
func initializeComponents(cfg *config.Config, logger *logging.Logger) (*ApplicationComponents, error) {
	store, bus, err := initializeStorageAndBus(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage/event bus: %w", err)
	}

	csi := strings.TrimPrefix(cfg.CSE.CSEID, "/")
	cseBaseRI, err := bootstrapCSEBase(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap CSEBase: %w", err)
	}
	logger.Info("CSEBase ready", zap.String("csi", csi), zap.String("ri", cseBaseRI))

	registry := registration.NewRegistry(logger)

	acpEvaluator := acp.NewEvaluator(cfg.Security.FullAccessAdmin, cfg.Security.AdminOriginator)

	notifier := notification.NewNotifier(cfg.CSE.RequestExpirationDelta, logger)
	engine := notification.NewEngine(bus, notifier, store, acpEvaluator, cfg.CSE.AsyncSubscriptionNotify, logger)

	peer := newHTTPPeer(cfg.CSE.RequestExpirationDelta, csi, cfg.CSE.Registrar.Address)
	announcementMgr := announcement.NewManager(peer, cfg.CSE.Announcements.DelayAfterRegistration, logger)

	disp := dispatcher.New(dispatcher.Config{
		Store:                    store,
		ACPEvaluator:             acpEvaluator,
		Bus:                      bus,
		Registry:                 registry,
		LocalCSEID:               csi,
		CSEBaseRI:                cseBaseRI,
		AdminOriginator:          cfg.Security.AdminOriginator,
		SupportedReleaseVersions: cfg.CSE.SupportedReleaseVersions,
		AllowPatchForDelete:      cfg.CSE.AllowPatchForDelete,
		Announcement:             announcementMgr,
		Logger:                   logger,
	})

	scheduler := eventbus.NewScheduler(logger)
	registerScheduledJobs(scheduler, cfg, store, disp, announcementMgr, logger)

	binding, err := httpbinding.New(cfg, disp, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to construct HTTP binding adapter: %w", err)
	}

	components := &ApplicationComponents{
		store:           store,
		bus:             bus,
		registry:        registry,
		notifier:        notifier,
		engine:          engine,
		announcementMgr: announcementMgr,
		scheduler:       scheduler,
		dispatcher:      disp,
		binding:         binding,
	}

	backgroundCtx, cancel := context.WithCancel(context.Background())
	components.cancelBackground = cancel

	if err := engine.Start(backgroundCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start notification engine: %w", err)
	}
	if err := runSubscriptionBridge(backgroundCtx, bus, store, engine, logger); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start subscription bridge: %w", err)
	}
	scheduler.Start(backgroundCtx)

	if cfg.CSE.CSEType != config.CSETypeIN {
		go registration.RegistrarCheckIn(backgroundCtx, peer, csi, localPointsOfAccess(cfg), cfg.CSE.Registrar.Serialization, cfg.CSE.Registrar.CheckInterval, logger)
	}

	return components, nil
}

// initializeStorageAndBus builds the configured storage and event-bus
// backends. Redis-backed deployments share a single redis.UniversalClient
// between the two, so the whole process holds one Redis connection that
// every component needing it reuses. The in-memory counterparts are used
// only when the Redis mode or address list is empty; the configuration
// defaults set both, and config validation rejects either being empty.
func initializeStorageAndBus(cfg *config.Config, logger *logging.Logger) (storage.Store, eventbus.Bus, error) {
	if cfg.Redis.Mode == "" || len(cfg.Redis.Addresses) == 0 {
		return storage.NewMemoryStore(), eventbus.NewMemoryBus(), nil
	}

	client := newRedisClient(&cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis connectivity check failed: %w", err)
	}

	return storage.NewRedisStoreFromClient(client), eventbus.NewRedisBus(client, logger), nil
}

// newRedisClient builds a redis.UniversalClient (standalone or Sentinel)
// from cfg, mirroring storage.NewRedisStore's own internal client
// construction so both storage and the event bus agree on connection
// parameters.
func newRedisClient(cfg *config.RedisConfig) redis.UniversalClient {
	if cfg.Mode == "sentinel" {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addresses,
			Password:      cfg.Password,
			DB:            cfg.DB,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
		})
	}

	addr := "localhost:6379"
	if len(cfg.Addresses) > 0 {
		addr = cfg.Addresses[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// bootstrapCSEBase creates the CSEBase resource on first startup if it
// does not already exist, the oneM2M deployment's root of the resource
// tree (spec.md §3.2). Subsequent restarts find it already present and
// leave it untouched.
func bootstrapCSEBase(cfg *config.Config, store storage.Store) (string, error) {
	ctx := context.Background()
	csi := strings.TrimPrefix(cfg.CSE.CSEID, "/")
	ri := "cseid-" + csi

	if _, err := store.GetResource(ctx, ri); err == nil {
		return ri, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	now := time.Now()
	cseBase := &model.Resource{
		RI: ri,
		RN: csi,
		PI: "",
		TY: model.TypeCSEBase,
		CT: now,
		LT: now,
		Attrs: map[string]any{
			"csi": csi,
			"cst": cseTypeCode(cfg.CSE.CSEType),
			"srv": cfg.CSE.SupportedReleaseVersions,
			"poa": localPointsOfAccess(cfg),
		},
	}
	if err := store.CreateResource(ctx, cseBase); err != nil {
		return "", err
	}
	return ri, nil
}

func cseTypeCode(cseType string) int {
	switch cseType {
	case config.CSETypeIN:
		return 1
	case config.CSETypeMN:
		return 2
	case config.CSETypeASN:
		return 3
	default:
		return 1
	}
}

func localPointsOfAccess(cfg *config.Config) []string {
	return []string{fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)}
}

// registerScheduledJobs wires the periodic jobs (spec.md §4.9's
// expiration sweep, §4.8's announcement retry), grounded on the
// teacher's workers.WebhookWorker ticker shape.
func registerScheduledJobs(scheduler *eventbus.Scheduler, cfg *config.Config, store storage.Store, disp *dispatcher.Dispatcher, announcementMgr *announcement.Manager, logger *logging.Logger) {
	worker := expiration.NewWorker(store, disp, disp, cfg.CSE.RequestExpirationDelta, logger)
	scheduler.Register(eventbus.Job{
		Name:     "expiration-sweep",
		Interval: cfg.CSE.CheckExpirationsInterval,
		Run:      worker.Sweep,
	})
	scheduler.Register(eventbus.Job{
		Name:     "announcement-retry",
		Interval: cfg.CSE.Announcements.CheckInterval,
		Run:      announcementMgr.RetryTick,
	})
}

// runWithShutdown starts the HTTP binding adapter and blocks until a
// shutdown signal arrives or the server errors out.
func runWithShutdown(cfg *config.Config, logger *logging.Logger, components *ApplicationComponents) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := components.binding.Start(ctx); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.Error("HTTP binding adapter error", zap.Error(err))
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		<-serverDone
		select {
		case err := <-serverErrors:
			logger.Error("HTTP binding adapter shutdown error", zap.Error(err))
			return fmt.Errorf("server shutdown error: %w", err)
		default:
		}
		logger.Info("graceful shutdown completed")
		return nil
	}
}
