package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/crake/attachments"
	"github.com/migadu/crake/cache"
	"github.com/migadu/crake/config"
	"github.com/migadu/crake/fetcher"
	"github.com/migadu/crake/helpers"
	"github.com/migadu/crake/indexer"
	"github.com/migadu/crake/logger"
	"github.com/migadu/crake/pkg/errors"
	"github.com/migadu/crake/pkg/metrics"
	"github.com/migadu/crake/pkg/retry"
	"github.com/migadu/crake/server/httpapi"
	"github.com/migadu/crake/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
	mu sync.Mutex
}

func (sm *serverManager) Add() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.wg.Add(1)
}

func (sm *serverManager) Done() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.wg.Done()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// serviceDependencies encapsulates the shared services the servers run against
type serviceDependencies struct {
	storage          *storage.S3Storage
	cacheInstance    *cache.Cache
	indexerInstance  *indexer.Indexer
	externalizer     *attachments.Externalizer
	metricsCollector *metrics.Collector
	config           config.Config
	serverManager    *serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	// Parse command-line flags
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crake version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load and validate configuration
	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	// Initialize logging
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRAKE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			fmt.Fprintf(os.Stderr, "CRAKE: Closing log file %s\n", f.Name())
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "CRAKE: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("CRAKE message engine starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	// Initialize all core services
	deps, initErr := initializeServices(ctx, cfg, errorHandler)
	if initErr != nil {
		errorHandler.FatalError("initialize services", initErr)
		os.Exit(errorHandler.WaitForExit())
	}

	// Clean up resources on exit
	if deps.cacheInstance != nil {
		defer deps.cacheInstance.Close()
	}
	if deps.metricsCollector != nil {
		defer deps.metricsCollector.Stop()
	}

	// Start all configured servers
	errChan := startServers(ctx, deps)

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for all servers to stop gracefully...")

		// Wait for server functions to return (listeners closed, Serve() calls returned)
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All server listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and rejects settings
// that would otherwise only fail at runtime.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			// If the default config doesn't exist, that's okay - use defaults
			if configPath == "config.toml" {
				logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
			} else {
				// User specified a config file that doesn't exist - that's an error
				errorHandler.ConfigError(configPath, err)
				os.Exit(errorHandler.WaitForExit())
			}
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if cfg.HTTPAPI.Start {
		if cfg.HTTPAPI.APIKey == "" {
			errorHandler.ValidationError("http_api", fmt.Errorf("api_key is required when the HTTP API is enabled"))
			os.Exit(errorHandler.WaitForExit())
		}
		if cfg.S3.Endpoint == "" || cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" || cfg.S3.Bucket == "" {
			errorHandler.ValidationError("s3", fmt.Errorf("endpoint, access_key, secret_key and bucket are required when the HTTP API is enabled"))
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if !cfg.HTTPAPI.Start && !cfg.Metrics.Enabled {
		errorHandler.ValidationError("servers", fmt.Errorf("nothing to start: enable [http_api] or [metrics]"))
		os.Exit(errorHandler.WaitForExit())
	}
}

// initializeServices wires the object store, local cache, fetch client,
// indexer and externalizer shared by the servers.
func initializeServices(ctx context.Context, cfg config.Config, errorHandler *errors.ErrorHandler) (*serviceDependencies, error) {
	deps := &serviceDependencies{
		config:        cfg,
		serverManager: &serverManager{}, // Initialize server manager for coordinated shutdown
	}

	// A metrics-only deployment has nothing else to wire
	if !cfg.HTTPAPI.Start {
		return deps, nil
	}

	logger.Info("Connecting to S3 object store", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	logger.Debug("S3 credentials", "access_key", helpers.MaskCredential(cfg.S3.AccessKey))

	var err error
	deps.storage, err = storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.GetDebug())
	if err != nil {
		errorHandler.FatalError(fmt.Sprintf("initialize S3 storage at endpoint '%s'", cfg.S3.Endpoint), err)
		os.Exit(errorHandler.WaitForExit())
	}

	// Enable encryption if configured
	if cfg.S3.Encrypt {
		if err := deps.storage.EnableEncryption(cfg.S3.EncryptionKey); err != nil {
			errorHandler.FatalError("enable S3 encryption", err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	// Initialize the local skeleton cache; sizes were validated with the config
	if cfg.LocalCache.Path != "" {
		cacheSizeBytes, _ := cfg.LocalCache.GetCapacity()
		maxObjectSizeBytes, _ := cfg.LocalCache.GetMaxObjectSize()
		purgeInterval, _ := cfg.LocalCache.GetPurgeInterval()
		orphanCleanupAge, _ := cfg.LocalCache.GetOrphanCleanupAge()

		deps.cacheInstance, err = cache.New(cfg.LocalCache.Path, cacheSizeBytes, maxObjectSizeBytes, purgeInterval, orphanCleanupAge, deps.storage)
		if err != nil {
			errorHandler.FatalError("initialize cache", err)
			os.Exit(errorHandler.WaitForExit())
		}
		if err := deps.cacheInstance.SyncFromDisk(); err != nil {
			errorHandler.FatalError("sync cache from disk", err)
			os.Exit(errorHandler.WaitForExit())
		}
		deps.cacheInstance.StartPurgeLoop(ctx)
	} else {
		logger.Info("Local cache disabled, skeletons will always be read from the object store")
	}

	inactivityTimeout, _ := cfg.Fetch.GetInactivityTimeout()
	fetchClient := fetcher.New(deps.storage, fetcher.Options{
		UserAgent:         cfg.Fetch.UserAgent,
		InactivityTimeout: inactivityTimeout,
	})
	deps.indexerInstance = indexer.NewIndexer(fetchClient)

	threshold, _ := cfg.Ingest.GetExternalizeThreshold()
	deps.externalizer = attachments.New(deps.storage, cfg.S3.Bucket, threshold)
	logger.Info("Externalizing parts at or above threshold", "threshold", helpers.FormatBytes(threshold))

	// Start cache metrics collection
	if deps.cacheInstance != nil {
		metricsInterval, _ := cfg.LocalCache.GetMetricsInterval()
		deps.metricsCollector = metrics.NewCollector(deps.cacheInstance, metricsInterval)
		go deps.metricsCollector.Start(ctx)
	}

	return deps, nil
}

// startServers launches the enabled servers and returns the channel they
// report fatal errors on.
func startServers(ctx context.Context, deps *serviceDependencies) chan error {
	errChan := make(chan error, 1)

	if deps.config.HTTPAPI.Start {
		go startHTTPAPIServer(ctx, deps, errChan)
	}
	if deps.config.Metrics.Enabled {
		go startMetricsServer(ctx, deps, errChan)
	}

	return errChan
}

func startHTTPAPIServer(ctx context.Context, deps *serviceDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	maxMessageSize, _ := deps.config.Ingest.GetMaxMessageSize()
	retryInterval, _ := deps.config.Fetch.GetRetryInterval()

	retryConfig := retry.DefaultBackoffConfig()
	retryConfig.InitialInterval = retryInterval
	retryConfig.MaxRetries = deps.config.Fetch.GetMaxRetries()

	httpapi.Start(ctx, deps.storage, httpapi.ServerOptions{
		Addr:           deps.config.HTTPAPI.Addr,
		APIKey:         deps.config.HTTPAPI.APIKey,
		AllowedHosts:   deps.config.HTTPAPI.AllowedHosts,
		Cache:          deps.cacheInstance,
		Externalizer:   deps.externalizer,
		Indexer:        deps.indexerInstance,
		MaxMessageSize: maxMessageSize,
		RetryConfig:    retryConfig,
		TLS:            deps.config.HTTPAPI.TLS,
		TLSCertFile:    deps.config.HTTPAPI.TLSCertFile,
		TLSKeyFile:     deps.config.HTTPAPI.TLSKeyFile,
	}, errChan)
}

func startMetricsServer(ctx context.Context, deps *serviceDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	path := deps.config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:    deps.config.Metrics.Addr,
		Handler: mux,
	}

	logger.Info("Starting metrics server", "addr", deps.config.Metrics.Addr, "path", path)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
