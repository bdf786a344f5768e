package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"flakies/terminal/internal/cache"
	"flakies/terminal/internal/cart"
	"flakies/terminal/internal/catalog"
	"flakies/terminal/internal/config"
	"flakies/terminal/internal/httpapi"
	"flakies/terminal/internal/remote"
	"flakies/terminal/internal/service"
	"flakies/terminal/internal/session"
	"flakies/terminal/internal/stock"
	"flakies/terminal/internal/store"
	"flakies/terminal/internal/store/memory"
	pgstore "flakies/terminal/internal/store/postgres"
	"flakies/terminal/internal/syncer"
	"flakies/terminal/internal/xid"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var gateway store.Gateway
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		gateway = pg
		closers = append(closers, pg.Close)
		log.Println("gateway: postgres")
	} else {
		gateway = memory.New()
		log.Println("gateway: in-memory (offline queue will not survive restarts)")
	}

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop catalog cache", err)
		} else {
			catalogCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("catalog cache: redis")
		}
	} else {
		log.Println("catalog cache: noop")
	}

	sessions := session.NewManager()
	client := remote.NewHTTPClient(cfg.RemoteBaseURL, time.Duration(cfg.RemoteTimeoutSeconds)*time.Second, sessions)

	ledger := stock.NewLedger(cfg.LowStockThreshold)
	activeCart := cart.New(cfg.TaxRate)
	engine := syncer.NewEngine(gateway, client, ledger)

	svc := service.New(activeCart, ledger, gateway, client, sessions, engine, func() string { return xid.New("tx") })
	if err := svc.Restore(ctx); err != nil {
		log.Fatalf("failed to restore stock snapshot: %v", err)
	}

	catalogSvc := catalog.New(client, catalogCache, ledger)
	api := httpapi.New(activeCart, ledger, svc, engine, catalogSvc, sessions, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	probeCtx, stopProbe := context.WithCancel(context.Background())
	go probeConnectivity(probeCtx, client, engine, time.Duration(cfg.ProbeIntervalSeconds)*time.Second)

	go func() {
		log.Printf("POS terminal agent listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopProbe()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Let an in-flight reconciliation run finish before closing stores.
	engine.Wait()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("agent stopped")
}

// probeConnectivity pings the remote health endpoint and feeds edge
// transitions to the reconciliation engine. The front-end can also report
// transitions directly through the API; the engine coalesces both sources.
func probeConnectivity(ctx context.Context, client remote.Client, engine *syncer.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := client.Ping(pingCtx)
			cancel()
			engine.SetOnline(context.WithoutCancel(ctx), err == nil)
		}
	}
}
