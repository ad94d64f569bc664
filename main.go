package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 30 * time.Second
	catalogCacheTTL = 5 * time.Minute
)

func main() {
	seedFile := flag.String("seed", "", "load products from a name;description;price;stock;category file and exit")
	promote := flag.String("promote", "", "grant the admin role to the account with this email and exit")
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	setupLogger(cfg.LogLevel)

	ctx := context.Background()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}

	if *seedFile != "" || *promote != "" {
		code := 0
		if err := runCommand(ctx, store, *seedFile, *promote); err != nil {
			slog.Error("command failed", "err", err)
			code = 1
		}
		store.Close()
		os.Exit(code)
	}

	var (
		rdb     *redis.Client
		cache   Cache     = noCache{}
		carts   CartStore = NewMemoryCartStore(cfg.CartTTL)
		limiter *Limiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		cache = NewRedisCache(rdb, "catalog:", catalogCacheTTL)
		carts = NewRedisCartStore(rdb, cfg.CartTTL)
		limiter = NewLimiter(rdb, "ratelimit:login:")
	} else {
		slog.Warn("REDIS_ADDR not set: catalog cache and login throttling disabled, carts kept in memory")
	}

	files, err := NewDiskFileStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("failed to prepare upload dir", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	catalog := NewCatalogService(store, cache, metrics)
	orders, err := NewOrderService(store, files, catalog, metrics)
	if err != nil {
		slog.Error("failed to create order service", "err", err)
		os.Exit(1)
	}
	server := NewAPIServer(cfg.ListenAddr, store, Services{
		Auth: NewAuthService(store, AuthConfig{
			Secret:      cfg.JWTSecret,
			SessionTTL:  cfg.SessionTTL,
			BcryptCost:  cfg.BcryptCost,
			LoginLimit:  cfg.LoginLimit,
			LoginWindow: cfg.LoginWindow,
		}, limiter, metrics),
		Catalog: catalog,
		Orders:  orders,
		Admin:   NewAdminService(store, orders, cfg.Location, cfg.LowStock),
		Carts:   carts,
		Files:   files,
		Metrics: metrics,
	}, ServerOptions{
		CORSOrigin:     cfg.CORSOrigin,
		CookieSecure:   cfg.CookieSecure,
		SessionTTL:     cfg.SessionTTL,
		CartTTL:        cfg.CartTTL,
		RequestTimeout: cfg.RequestTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	go func() {
		if err := server.Run(); err != nil {
			slog.Error("http server stopped", "err", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"storefront": func(ctx context.Context) error {
			slog.Info("graceful shutdown initiated")
			errs := []error{server.Shutdown(ctx), store.Close()}
			if rdb != nil {
				errs = append(errs, rdb.Close())
			}
			return errors.Join(errs...)
		},
	})
	exitCode := <-wait
	slog.Info("application exited", "code", exitCode)
	os.Exit(exitCode)
}

func openStorage(ctx context.Context, cfg *Config) (Storage, error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := NewPostgresStorage(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return NewSQLiteStore(cfg.SQLitePath)
	}
}

// runCommand handles the one-shot maintenance flags.
func runCommand(ctx context.Context, store Storage, seedFile, promote string) error {
	if seedFile != "" {
		n, err := SeedFromFile(ctx, store, seedFile)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		fmt.Printf("inserted %d products\n", n)
	}
	if promote != "" {
		email := strings.ToLower(strings.TrimSpace(promote))
		if err := store.SetUserRole(ctx, email, RoleAdmin); err != nil {
			return fmt.Errorf("promote: %w", err)
		}
		fmt.Printf("%s is now an admin\n", email)
	}
	return nil
}
