package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/internal/api"
	"storefront/internal/cache"
	"storefront/internal/config"
	"storefront/internal/inventory"
	"storefront/internal/logger"
	"storefront/internal/models"
	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/pipeline"
	"storefront/internal/storage"
	"storefront/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	seedCatalog = flag.Bool("seed", false, "Insert demo products when the catalog is empty")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize storage
	storageInstance, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer storageInstance.Close()

	// Wrap storage with instrumentation if metrics are enabled
	activeStorage := storageInstance
	var recorder pipeline.Recorder
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(storageInstance)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		activeStorage = instrumented

		safety, err := observability.NewSafetyMetrics()
		if err != nil {
			slog.Error("Failed to create safety metrics", "error", err)
			os.Exit(1)
		}
		recorder = safety
	}

	if *seedCatalog {
		if err := seedProducts(context.Background(), activeStorage); err != nil {
			slog.Error("Failed to seed catalog", "error", err)
			os.Exit(1)
		}
	}

	// Inventory, read model and orders
	products := cache.NewProductCache(cfg.Cache, nil)
	locks := inventory.NewLockTable(inventory.LockTableOptions{
		Timeout:         cfg.Inventory.LockTimeout,
		IdleTTL:         cfg.Inventory.LockIdleTTL,
		CompactInterval: cfg.Inventory.CompactEvery,
	})
	defer locks.Close()
	stock := inventory.NewService(activeStorage, locks, products)
	catalog := inventory.NewCatalog(activeStorage, stock, products)
	orderService := orders.NewService(activeStorage, stock, nil)

	// Request-safety layer
	security, err := pipeline.New(cfg.Security, pipeline.Options{
		Users:       activeStorage,
		Recorder:    recorder,
		Logger:      log,
		PublicPaths: api.PublicPaths,
		LogoutPath:  api.LogoutPath,
	})
	if err != nil {
		slog.Error("Failed to initialize request safety layer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := security.Close(); err != nil {
			slog.Error("Failed to close request safety layer", "error", err)
		}
	}()

	handlers := api.NewHandlers(stock, catalog, orderService,
		api.WithUsers(activeStorage),
		api.WithStorage(activeStorage),
		api.WithSecurity(security),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := api.SetupRoutes(handlers, security, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "storage", cfg.Storage.Type)

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// demoProducts is the catalog inserted by -seed.
var demoProducts = []struct {
	product  models.Product
	quantity int
}{
	{models.Product{Name: "Stoneware Teapot", Description: "1.2 l, matte glaze", PriceCents: 3900}, 25},
	{models.Product{Name: "Pour-over Kettle", Description: "Gooseneck, 0.9 l", PriceCents: 5400}, 12},
	{models.Product{Name: "Ceramic Dripper", Description: "Size 02", PriceCents: 2200}, 8},
	{models.Product{Name: "Paper Filters", Description: "Pack of 100", PriceCents: 650}, 1},
}

// seedProducts inserts the demo catalog when no products exist. It is a
// no-op on a populated catalog.
func seedProducts(ctx context.Context, store storage.Storage) error {
	existing, err := store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for _, demo := range demoProducts {
		p := demo.product
		if err := store.SaveProduct(ctx, &p); err != nil {
			return fmt.Errorf("seed product %q: %w", p.Name, err)
		}
		quantity := demo.quantity
		if _, err := store.UpdateInventory(ctx, p.ID, func(inv *models.Inventory) error {
			inv.Quantity = quantity
			inv.Status = inventory.StatusLabel(quantity)
			return nil
		}); err != nil {
			return fmt.Errorf("seed inventory for %q: %w", p.Name, err)
		}
	}
	slog.Info("Demo catalog seeded", "products", len(demoProducts))
	return nil
}
