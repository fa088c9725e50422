package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/telescope/internal/config"
	"github.com/example/telescope/internal/ephemeral"
	"github.com/example/telescope/internal/rooms"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"
)

// keyspaces is satisfied by *ephemeral.Store and *ephemeral.Embedded.
type keyspaces interface {
	Keyspace(prefix string) ephemeral.Keyspace
	Ping(ctx context.Context) error
}

type App struct {
	DB DB

	cfg         *cfg.Config
	log         *zap.Logger
	credentials *CredentialStore
	sessions    *SessionIssuer
	states      *StateGuard
	calls       *CallManager
	broker      *Broker
	oauth       *oauth2.Config
	limiter     *RateLimiter
	pinger      interface{ Ping(ctx context.Context) error }
}

func NewApp(c *cfg.Config, db DB, store keyspaces, provider rooms.Provider, log *zap.Logger) *App {
	calls := NewCallManager(db, provider, c.RoomTimeout, log.Named("calls"))
	broker := NewBroker(calls, provider,
		store.Keyspace(ephemeral.CallAuth), store.Keyspace(ephemeral.RoomIdentity),
		c.AppURL, c.DefaultAvatarURL, log.Named("broker"))
	return &App{
		DB:          db,
		cfg:         c,
		log:         log,
		credentials: NewCredentialStore(db),
		sessions:    NewSessionIssuer(db, store.Keyspace(ephemeral.DevSession), c.JwtSecret, c.JwtTTL),
		states:      NewStateGuard(store.Keyspace(ephemeral.OAuthState), c.StateTTL),
		calls:       calls,
		broker:      broker,
		oauth:       newGithubOAuth(c.GithubClientID, c.GithubClientSecret, c.GithubOAuthURL),
		limiter:     NewRateLimiter(c.RateLimitPerMinute),
		pinger:      store,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "No route for "+r.Method+" "+r.URL.Path)
	})

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	integrations := r.PathPrefix("/integrations").Subrouter()
	integrations.HandleFunc("/public", a.HandlePublicIntegrations).Methods("GET")
	integrations.HandleFunc("/public/{id}", a.HandlePublicIntegration).Methods("GET")

	// static segments must be registered before /{id}
	calls := integrations.PathPrefix("/calls").Subrouter()
	calls.Handle("/create", a.integrationOnly(a.HandleCreateCall)).Methods("POST")
	calls.HandleFunc("/identity", a.HandleIdentity).Methods("GET")
	calls.HandleFunc("/{id}", a.HandleGetCall).Methods("GET")
	calls.Handle("/{id}", a.integrationOnly(a.HandleDeleteCall)).Methods("DELETE")
	calls.Handle("/{id}/auth", a.integrationOnly(a.HandleCallAuth)).Methods("GET", "POST")
	calls.HandleFunc("/{id}/tokendata", a.HandleTokenData).Methods("GET")
	calls.HandleFunc("/{id}/calltoken", a.HandleCallToken).Methods("POST")
	calls.Handle("/{id}/error", a.integrationOnly(a.HandleCallError))

	developers := r.PathPrefix("/developers").Subrouter()
	developers.HandleFunc("/auth/github/connect", a.HandleGithubConnect).Methods("GET")
	developers.HandleFunc("/auth/github/callback", a.HandleGithubCallback).Methods("GET")
	session := a.DevAuth(true)
	developers.Handle("/auth/me", session(http.HandlerFunc(a.HandleMe))).Methods("GET")
	developers.Handle("/auth/me", session(http.HandlerFunc(a.HandleDeleteMe))).Methods("DELETE")
	developers.Handle("/auth/logout", session(http.HandlerFunc(a.HandleLogout))).Methods("POST")

	owned := developers.PathPrefix("/integrations").Subrouter()
	owned.Use(session)
	owned.HandleFunc("", a.HandleListIntegrations).Methods("GET")
	owned.HandleFunc("", a.HandleCreateIntegration).Methods("POST")
	owned.HandleFunc("/{id}", a.HandleGetIntegration).Methods("GET")
	owned.HandleFunc("/{id}", a.HandleUpdateIntegration).Methods("PUT")
	owned.HandleFunc("/{id}", a.HandleDeleteIntegration).Methods("DELETE")
	owned.HandleFunc("/{id}/credentials", a.HandleCreateCredentials).Methods("POST")
	owned.HandleFunc("/{id}/credentials/{credentialId}", a.HandleDeleteCredentials).Methods("DELETE")

	// wrap the router itself so preflight and unmatched requests pass through too
	return SecurityHeaders(a.Logging(a.CORS(r)))
}

func newLogger(c *cfg.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if c.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

func openDB(c *cfg.Config, log *zap.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations")
		if err := ApplyMigrations(c.PostgresDSN, log); err != nil {
			return nil, err
		}
		return NewPostgresDB(c.PostgresDSN)
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

func openEphemeral(ctx context.Context, c *cfg.Config, log *zap.Logger) (keyspaces, func() error, error) {
	if c.RedisMode == "embedded" {
		log.Warn("using embedded redis, state is lost on restart")
		e, err := ephemeral.StartEmbedded()
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	}
	s, err := ephemeral.Open(ctx, ephemeral.Options{
		URL:      c.RedisURL,
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func openRooms(c *cfg.Config, log *zap.Logger) rooms.Provider {
	if c.RoomProvider == "memory" {
		log.Warn("using in-process room provider, grants are not accepted by any video service")
		return rooms.NewMemory(c.JwtSecret, c.GrantTTL)
	}
	return rooms.NewTwilio(rooms.TwilioConfig{
		AccountSID: c.TwilioAccountSID,
		APIKeySID:  c.TwilioAPIKeySID,
		APISecret:  c.TwilioAPISecret,
		BaseURL:    c.TwilioVideoURL,
		RoomType:   c.TwilioRoomType,
		Timeout:    c.RoomTimeout,
		GrantTTL:   c.GrantTTL,
	})
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := openDB(c, log)
	if err != nil {
		log.Fatal("database init", zap.String("adapter", c.DBAdapter), zap.Error(err))
	}
	store, closeStore, err := openEphemeral(context.Background(), c, log)
	if err != nil {
		log.Fatal("ephemeral store init", zap.String("mode", c.RedisMode), zap.Error(err))
	}

	app := NewApp(c, db, store, openRooms(c, log), log)
	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Info("starting server", zap.String("port", c.Port), zap.String("env", c.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	_ = closeStore()
	log.Info("server exited properly")
}
