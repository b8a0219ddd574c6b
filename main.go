package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/meliq99/stockroom/internal/config"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// App wires the admission gate, the session manager and the store together.
// Every collaborator is constructed explicitly and injected here; there is
// no module-level shared client.
type App struct {
	DB       DB
	sessions *SessionManager
	limiter  *RateLimiter

	accessTTL      time.Duration
	refreshTTL     time.Duration
	adminAPIKey    string
	allowedOrigins []string
	failOpen       bool
}

func newApp(c *cfg.Config, db DB, buckets BucketStore) *App {
	codec := NewTokenCodec([]byte(c.JwtSecret))
	return &App{
		DB:             db,
		sessions:       NewSessionManager(db, codec, c.AccessTokenTTL, c.RefreshTokenTTL, c.MaxSessions),
		limiter:        NewRateLimiter(buckets, c.RateLimitCapacity, c.RateLimitLeakRate),
		accessTTL:      c.AccessTokenTTL,
		refreshTTL:     c.RefreshTokenTTL,
		adminAPIKey:    c.AdminAPIKey,
		allowedOrigins: c.AllowedOrigins,
		failOpen:       c.RateLimitFailOpen,
	}
}

// Router builds the full HTTP surface. The outer middleware wraps the mux
// router itself rather than being mounted with Use: mux applies Use middleware
// to matched routes only, which would let unrouted requests (404/405) skip the
// admission gate. The rate limiter runs before everything else; health
// endpoints bypass it.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	users := r.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", a.HandleRegister).Methods("POST")
	users.HandleFunc("/authenticate", a.HandleAuthenticate).Methods("POST")
	users.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	users.HandleFunc("/master-logout", a.HandleMasterLogout).Methods("POST")
	users.Handle("/create-admin", a.AdminAPIKey(http.HandlerFunc(a.HandleCreateAdmin))).Methods("POST")

	items := r.PathPrefix("/items").Subrouter()
	items.Use(a.Authenticate)
	items.HandleFunc("", a.HandleListItems).Methods("GET")
	items.HandleFunc("/", a.HandleListItems).Methods("GET")
	items.HandleFunc("", a.HandleCreateItem).Methods("POST")
	items.HandleFunc("/", a.HandleCreateItem).Methods("POST")
	items.HandleFunc("/{id:[0-9]+}", a.HandleGetItem).Methods("GET")
	items.HandleFunc("/{id:[0-9]+}", a.HandleUpdateItem).Methods("PUT")
	items.HandleFunc("/{id:[0-9]+}", a.HandleDeleteItem).Methods("DELETE")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(a.Authenticate)
	admin.Use(a.RequireAdmin)
	admin.HandleFunc("/{username}", a.HandleGetUser).Methods("GET")

	return a.RateLimit(SecurityHeaders(a.Logging(a.CORS(r))))
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db DB
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}
		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		}
		p, err := NewPostgresDB(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	var buckets BucketStore
	var rdb *redis.Client
	switch c.RateLimitStore {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis ping failed (admission checks will surface store errors): %v", err)
		}
		cancel()
		buckets = newRedisBucketStore(rdb)
	case "memory":
		log.Println("Using in-memory rate limit store (single instance only)")
		buckets = newMemoryBucketStore()
	}

	app := newApp(c, db, buckets)

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if c.TLSCertFile != "" {
			log.Printf("Starting server on %s (TLS)", c.Port)
			err = srv.ListenAndServeTLS(c.TLSCertFile, c.TLSKeyFile)
		} else {
			log.Printf("Starting server on %s", c.Port)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %+v", err)
	}
	log.Println("Server exited properly")
}
