// Package stubhttp serves the local backend over HTTP with the same auth,
// row-store and function routes the sandbox client talks to.
package stubhttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sandbox/internal/logger"
	"sandbox/internal/stub"
)

// Server serves the stub auth, rest and functions APIs.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig lists the stub server's dependencies.
type ServerConfig struct {
	Addr                string
	AnonKey             string
	AuthPath            string
	RestPath            string
	FunctionsPath       string
	Store               *stub.Store
	Source              stub.CandleSource
	TokenTTL            time.Duration
	RequireConfirmation bool
	MarketRatePerMin    int
}

// NewServer builds the stub HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("stub http server requires a store")
	}
	if cfg.Source == nil {
		return nil, errors.New("stub http server requires a candle source")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":54321"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	cfg.AuthPath = pathOr(cfg.AuthPath, "/auth/v1")
	cfg.RestPath = pathOr(cfg.RestPath, "/rest/v1")
	cfg.FunctionsPath = pathOr(cfg.FunctionsPath, "/functions/v1")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{
		store:               cfg.Store,
		source:              cfg.Source,
		anonKey:             strings.TrimSpace(cfg.AnonKey),
		tokenTTL:            cfg.TokenTTL,
		requireConfirmation: cfg.RequireConfirmation,
		limits:              newUserLimits(cfg.MarketRatePerMin),
	}
	h.registerAuth(router.Group(cfg.AuthPath, h.requireAPIKey()))
	h.registerRest(router.Group(cfg.RestPath, h.requireAPIKey(), h.resolveUser()))
	h.registerFunctions(router.Group(cfg.FunctionsPath, h.requireAPIKey(), h.resolveUser()))

	return &Server{addr: cfg.Addr, router: router}, nil
}

func pathOr(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// requestLogger logs method, path and status. Headers are never logged.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		client := c.ClientIP()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, path, c.Writer.Status(), client, time.Since(start))
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// userLimits hands out one token bucket per user for the market function.
type userLimits struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*rate.Limiter
}

func newUserLimits(perMin int) *userLimits {
	return &userLimits{perMin: perMin, buckets: make(map[string]*rate.Limiter)}
}

func (l *userLimits) allow(userID string) bool {
	if l == nil || l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.buckets[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)
		l.buckets[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
