package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/device"
	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/health"
	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/token"
	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/upstream"
	"github.com/wrale/copilot-auth-proxy/internal/csrf"
	"github.com/wrale/copilot-auth-proxy/internal/session"
)

type server struct {
	cfg    Config
	router *chi.Mux
	logger *log.Logger
	flows  *session.Manager
	csrf   *csrf.Manager
	core   *core
}

// stores selects the flow session and CSRF backends
type stores struct {
	flows session.Store
	csrf  csrf.Store
	redis *redis.Client // nil for memory stores
}

// newStores uses Redis when REDIS_URL is set and memory otherwise
func newStores(ctx context.Context, cfg Config) (*stores, error) {
	if cfg.RedisURL == "" {
		return &stores{flows: session.NewMemoryStore(), csrf: csrf.NewMemoryStore()}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &stores{
		flows: session.NewRedisStore(client),
		csrf:  csrf.NewRedisStore(client),
		redis: client,
	}, nil
}

func newServer(c *core, st *stores) (*server, error) {
	secret := []byte(c.cfg.CSRFSecret)
	if len(secret) == 0 {
		var err error
		if secret, err = csrf.RandomSecret(); err != nil {
			return nil, err
		}
		c.logger.Warn("CSRF_SECRET not set, using a per-process secret")
	}
	csrfManager, err := csrf.NewManager(st.csrf, secret, c.cfg.CSRFTokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("creating CSRF manager: %w", err)
	}

	flows, err := session.NewManager(session.Config{
		Runner:        c.flow,
		Store:         st.flows,
		DeviceCodeURL: c.cfg.DeviceCodeURL,
		TokenURL:      c.cfg.TokenURL,
		Lifetime:      c.cfg.FlowLifetime,
		Logger:        c.logger.WithPrefix("session"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating flow manager: %w", err)
	}

	srv := &server{
		cfg:    c.cfg,
		router: chi.NewRouter(),
		logger: c.logger,
		flows:  flows,
		csrf:   csrfManager,
		core:   c,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(requestLogger(c.logger.WithPrefix("http")))
	srv.router.Use(middleware.Recoverer)

	if err := srv.routes(); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *server) routes() error {
	target, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parsing upstream URL: %w", err)
	}
	proxy, err := upstream.New(upstream.Config{
		Target:  target,
		Cache:   s.core.cache,
		Headers: s.cfg.UpstreamHeaders,
		Logger:  s.logger.WithPrefix("upstream"),
	})
	if err != nil {
		return fmt.Errorf("creating upstream proxy: %w", err)
	}

	deviceHandler := device.New(device.Config{
		Flows:    s.flows,
		CSRF:     s.csrf,
		ClientID: s.cfg.ClientID,
		Scope:    s.cfg.Scope,
	})
	tokenHandler := token.New(token.Config{Cache: s.core.cache})
	healthHandler := health.New(map[string]health.Checker{
		"flow_sessions": s.flows,
		"csrf":          s.csrf,
	}).WithVersion(Version)

	// Health check endpoint
	s.router.Method(http.MethodGet, "/health", healthHandler)

	// Device flow sessions for the browser front end
	s.router.Get("/device/csrf", deviceHandler.IssueCSRF)
	s.router.Post("/device/flows", deviceHandler.Start)
	s.router.Get("/device/flows/{id}", deviceHandler.Status)
	s.router.Delete("/device/flows/{id}", deviceHandler.Cancel)

	// Session tokens for machine callers
	s.router.Post("/token", tokenHandler.Exchange)
	s.router.Get("/token/status", tokenHandler.Status)
	s.router.Delete("/token", tokenHandler.Clear)

	// Downstream API
	s.router.Handle("/upstream/*", http.StripPrefix("/upstream", proxy))

	return nil
}

// requestLogger logs one line per request through the charm logger
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), c)
		},
	}
}

// runServer serves until SIGINT or SIGTERM and then drains running flows
func runServer(ctx context.Context, c *core) error {
	st, err := newStores(ctx, c.cfg)
	if err != nil {
		return err
	}
	if st.redis != nil {
		defer func() {
			if err := st.redis.Close(); err != nil {
				c.logger.Error("closing Redis connection", "error", err)
			}
		}()
	}

	srv, err := newServer(c, st)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: c.cfg.ReadHeaderTimeout,
		ReadTimeout:       c.cfg.ReadTimeout,
		WriteTimeout:      c.cfg.WriteTimeout,
		IdleTimeout:       c.cfg.IdleTimeout,
	}

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)
	go func() {
		c.logger.Info("server listening", "port", c.cfg.Port, "version", Version)
		serverErrors <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil

	case <-ctx.Done():
		c.logger.Info("starting shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("shutting down server", "error", err)
			if err := httpServer.Close(); err != nil {
				c.logger.Error("closing server", "error", err)
			}
		}
		if err := srv.flows.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("stopping device flows", "error", err)
		}
		return nil
	}
}
