package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/engine"
	applog "github.com/xswitch/xswitch/internal/log"
	"github.com/xswitch/xswitch/internal/metrics"
)

type APIServer struct {
	version        string
	cfg            *config.Config
	addr           string
	engine         *engine.Engine
	metrics        *metrics.Collector
	httpServer     *http.Server
	logBroadcaster *applog.Broadcaster
	validate       *validator.Validate
}

func New(version string, cfg *config.Config, eng *engine.Engine, mc *metrics.Collector, lb *applog.Broadcaster) *APIServer {
	return &APIServer{
		version:        version,
		cfg:            cfg,
		addr:           cfg.API.Listen,
		engine:         eng,
		metrics:        mc,
		logBroadcaster: lb,
		validate:       validator.New(),
	}
}

// Handler builds the router. Every route sits behind the secret when one
// is configured.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if s.cfg.API.Secret != "" {
		r.Use(s.authMiddleware)
	}

	r.Get("/version", s.handleVersion)
	r.Get("/config", s.handleConfig)

	r.Get("/global", s.handleGetGlobal)
	r.Post("/global", s.handleToggleGlobal)
	r.Post("/reload", s.handleReload)
	r.Get("/configs", s.handleConfigs)
	r.Get("/groups", s.handleGroups)
	r.Get("/status", s.handleStatus)
	r.Post("/message", s.handleMessage)

	r.Get("/rules", s.handleRules)
	r.Get("/resolve", s.handleResolve)
	r.Post("/observe", s.handleObserve)

	r.Get("/logs", s.handleLogs)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
		r.Handle("/block", pprof.Handler("block"))
		r.Handle("/mutex", pprof.Handler("mutex"))
	})
	return r
}

func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}

	slog.Info("api-server started", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.API.Secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
