package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"authgate.org/internal/auth"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/obs"
	"authgate.org/internal/ratelimit"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("AUTHGATE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing AUTHGATE_AUTH_SECRET")
	}

	// Postgres is optional: without a DSN the service runs on in-memory
	// stores, which is enough for local development and tests.
	var db *sql.DB
	if dsn := os.Getenv("AUTHGATE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	var (
		users        auth.UserStore
		refreshStore auth.RefreshTokenStore
	)
	if db != nil {
		users = auth.NewPGUserStore(db)
		refreshStore = auth.NewPGRefreshTokenStore(db)
	} else {
		log.Print("AUTHGATE_PG_DSN not set, using in-memory stores")
		users = auth.NewMemoryUserStore()
		refreshStore = auth.NewMemoryRefreshTokenStore()
	}

	// Redis (if configured) backs both token revocation and rate limiting,
	// so revoked tokens and limits hold across instances.
	var (
		registry    auth.RevocationRegistry
		memRegistry *auth.MemoryRegistry
		redisClient *redis.Client
	)
	if redisURL := os.Getenv("AUTHGATE_REDIS_URL"); redisURL != "" {
		rr, err := auth.NewRedisRegistry(redisURL)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		registry = rr
		redisClient = rr.Client()
	} else {
		log.Print("AUTHGATE_REDIS_URL not set, using in-memory revocation registry")
		memRegistry = auth.NewMemoryRegistry()
		registry = memRegistry
	}

	rateLimit := envInt("AUTHGATE_RATE_LIMIT", 5)
	rateWindow := envDuration("AUTHGATE_RATE_WINDOW", time.Minute)

	var (
		limiter    ratelimit.Limiter
		memLimiter *ratelimit.SlidingWindow
	)
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiterFromClient(redisClient, rateLimit, rateWindow)
	} else {
		memLimiter = ratelimit.NewSlidingWindow(rateLimit, rateWindow)
		limiter = memLimiter
	}

	svc, err := auth.NewService(users, refreshStore, registry, []byte(secret),
		auth.WithIssuerName("authgate"),
		auth.WithAccessTTL(envDuration("AUTHGATE_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("AUTHGATE_REFRESH_TTL", 30*24*time.Hour)),
	)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	bootstrapAdmin(svc)

	api := httpapi.New(httpapi.ReadyProbe{DB: db, Redis: redisClient}, version, svc, limiter)

	srv := &http.Server{
		Addr:              envString("AUTHGATE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Periodic cleanup of expired refresh tokens and in-memory state.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := svc.SweepExpired(sweepCtx); err != nil {
					log.Printf("sweep refresh tokens: %v", err)
				} else if n > 0 {
					log.Printf("swept %d expired refresh tokens", n)
				}
				if memRegistry != nil {
					memRegistry.Sweep()
				}
				if memLimiter != nil {
					memLimiter.Sweep()
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = limiter.Close()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// bootstrapAdmin creates the initial admin account from environment, if any.
// Re-running against an existing account is a no-op.
func bootstrapAdmin(svc *auth.Service) {
	username := os.Getenv("AUTHGATE_BOOTSTRAP_ADMIN_USERNAME")
	password := os.Getenv("AUTHGATE_BOOTSTRAP_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}
	email := envString("AUTHGATE_BOOTSTRAP_ADMIN_EMAIL", username+"@localhost")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := svc.CreateUser(ctx, username, email, password, auth.RoleAdmin)
	switch {
	case err == nil:
		log.Printf("bootstrap: created admin %q", username)
	case errors.Is(err, auth.ErrAlreadyExists):
		// already provisioned
	default:
		log.Fatalf("bootstrap admin: %v", err)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return d
}
