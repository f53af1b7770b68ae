package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/vidyavaradhi/apiserver/config"
	"github.com/vidyavaradhi/apiserver/internal/db"
	"github.com/vidyavaradhi/apiserver/internal/handlers"
	"github.com/vidyavaradhi/apiserver/internal/logging"
	"github.com/vidyavaradhi/apiserver/internal/mail"
	"github.com/vidyavaradhi/apiserver/internal/metrics"
	"github.com/vidyavaradhi/apiserver/internal/mq"
	"github.com/vidyavaradhi/apiserver/internal/otp"
	"github.com/vidyavaradhi/apiserver/internal/password"
	"github.com/vidyavaradhi/apiserver/internal/ratelimit"
	"github.com/vidyavaradhi/apiserver/internal/services"
	"github.com/vidyavaradhi/apiserver/internal/session"
	"github.com/vidyavaradhi/apiserver/internal/store"
)

const ticketCookieName = "registration"

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	redis      *redis.Client
	queue      *mq.MQ
	log        logging.Logger
}

// Backends are the stateful collaborators behind the auth flows.
type Backends struct {
	Users        services.UserRepository
	OTP          otp.Backend
	Tickets      otp.TicketStore
	LoginCounter ratelimit.Counter
	APICounter   ratelimit.Counter
	Sessions     session.Registry
	Mailer       mail.Dispatcher
	Checks       map[string]handlers.HealthCheck
}

// MemoryBackends keeps all short-lived state in process memory. Only one
// server instance may use them.
func MemoryBackends(users services.UserRepository) Backends {
	return Backends{
		Users:        users,
		OTP:          otp.NewMemoryBackend(),
		Tickets:      otp.NewMemoryTicketStore(nil),
		LoginCounter: ratelimit.NewMemoryCounter(nil),
		APICounter:   ratelimit.NewMemoryCounter(nil),
		Sessions:     session.NewMemoryRegistry(nil),
		Checks:       map[string]handlers.HealthCheck{},
	}
}

// RedisBackends shares short-lived state across instances through client.
func RedisBackends(users services.UserRepository, client redis.UniversalClient) Backends {
	return Backends{
		Users:        users,
		OTP:          otp.NewRedisBackend(client, ""),
		Tickets:      otp.NewRedisTicketStore(client, ""),
		LoginCounter: ratelimit.NewRedisCounter(client, ""),
		APICounter:   ratelimit.NewRedisCounter(client, ""),
		Sessions:     session.NewRedisRegistry(client, ""),
		Checks: map[string]handlers.HealthCheck{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	}
}

// New connects to every configured dependency and builds the router.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.New(cfg.Development())

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{db: dbConn, log: log}

	users := store.NewUserRepository(dbConn)
	var backends Backends
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		client, err := db.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			s.close()
			return nil, err
		}
		s.redis = client
		backends = RedisBackends(users, client)
	default:
		log.Warn(ctx, "using in-memory state; run a single instance only")
		backends = MemoryBackends(users)
	}
	backends.Checks["postgres"] = dbConn.PingContext

	queue, err := mq.Open(ctx, cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.queue = queue
	if queue != nil {
		backends.Mailer = mail.NewQueue(queue, cfg.Mail.Channel)
	} else {
		backends.Mailer = mail.NewDirect(cfg.Mail.From, mail.NewSender(cfg, log))
	}

	router, err := NewRouter(cfg, backends, log)
	if err != nil {
		s.close()
		return nil, err
	}
	s.router = router

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// NewRouter assembles the auth core on top of backends and mounts it.
func NewRouter(cfg config.Config, b Backends, log logging.Logger) (*chi.Mux, error) {
	if b.Mailer == nil {
		return nil, errors.New("mail dispatcher is required")
	}

	hasher, err := password.New(cfg.Auth.PasswordHasher, cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(cfg.Auth.JWTSecret, b.Sessions, session.WithTTL(cfg.Auth.SessionTTL))
	if err != nil {
		return nil, err
	}

	auth := services.NewAuthService(services.AuthDeps{
		Users:    services.NewUserService(b.Users),
		Hasher:   hasher,
		Ledger:   otp.NewLedger(b.OTP, otp.WithTTL(cfg.Auth.OTPTTL)),
		Tickets:  b.Tickets,
		Limiter:  ratelimit.New("login", cfg.Auth.LoginMaxAttempts, cfg.Auth.LoginWindow, b.LoginCounter),
		Sessions: sessions,
		Mailer:   b.Mailer,
		Log:      log,
	}, services.AuthOptions{
		ExposeOTP: cfg.Development(),
		TicketTTL: cfg.Auth.TicketTTL,
	})
	apiLimiter := ratelimit.New("api", cfg.Auth.APIMaxRequests, cfg.Auth.APIWindow, b.APICounter)

	sessionCookie := session.Cookie{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Production(),
		MaxAge: cfg.Auth.SessionTTL,
	}
	authHandler := handlers.NewAuthHandler(auth, handlers.AuthHandlerConfig{
		SessionCookie: sessionCookie,
		TicketCookie: session.Cookie{
			Name:   ticketCookieName,
			Path:   "/api/auth/register",
			Secure: cfg.Production(),
			MaxAge: cfg.Auth.TicketTTL,
		},
		ExposeOTP: cfg.Development(),
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		metrics.Middleware,
		handlers.SecurityHeaders(cfg.Production()),
	)
	router.Get("/healthz", handlers.Healthz(b.Checks))
	router.Handle("/metrics", metrics.Handler())
	router.Route("/api", func(r chi.Router) {
		if len(cfg.CORS.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.CORS.AllowedOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		r.Use(handlers.SameOrigin(cfg.CORS.AllowedOrigins))
		r.Use(handlers.RateLimit(apiLimiter, log))
		handlers.AuthRouter(r, authHandler)
	})
	handlers.PagesRouter(router, auth, sessionCookie)

	return router, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then releases every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
