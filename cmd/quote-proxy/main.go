package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/quote-client/internal/config"
	"github.com/Sternrassler/quote-client/pkg/cache"
	"github.com/Sternrassler/quote-client/pkg/client"
	"github.com/Sternrassler/quote-client/pkg/coalesce"
	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/logging"
	"github.com/Sternrassler/quote-client/pkg/marketdata"
	"github.com/Sternrassler/quote-client/pkg/metrics"
	"github.com/Sternrassler/quote-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", cfg.Redis.URL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("redis", cfg.Redis.URL).Msg("Connected to Redis")
	}

	srv, err := newServer(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Msg("Starting quote proxy server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	srv.quotes.Drain()
}

// server wires the coalescer and market data service to HTTP.
type server struct {
	market         *marketdata.Service
	quotes         *coalesce.Coalescer[marketdata.Quote]
	logger         zerolog.Logger
	requestTimeout time.Duration
}

// newServer builds the client stack. A nil redisClient disables the quote
// cache and the shared throttle.
func newServer(cfg *config.Config, redisClient *redis.Client, logger zerolog.Logger) (*server, error) {
	clientCfg := cfg.ClientConfig()
	clientCfg.Logger = &logger

	marketCfg := marketdata.Config{CacheTTL: cfg.Redis.CacheTTL, Logger: &logger}
	if redisClient != nil {
		clientCfg.Throttle = ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit"))
		marketCfg.Cache = cache.NewManager(redisClient, cache.Config{
			Namespace:  "quotes",
			DefaultTTL: cfg.Redis.CacheTTL,
		})
	}

	upstream, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	market := marketdata.NewService(upstream, marketCfg)
	coalesceCfg := cfg.CoalesceConfig()
	coalesceCfg.Logger = &logger
	quotes, err := market.NewQuoteCoalescer(coalesceCfg)
	if err != nil {
		return nil, fmt.Errorf("create coalescer: %w", err)
	}

	return &server{
		market:         market,
		quotes:         quotes,
		logger:         logger,
		requestTimeout: cfg.Server.RequestTimeout,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /quotes/{symbol}", s.quoteHandler)
	mux.HandleFunc("GET /quotes", s.quotesHandler)
	mux.HandleFunc("POST /portfolio/analyze", s.portfolioHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	quote, err := s.quotes.Get(ctx, r.PathValue("symbol"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: quote})
}

func (s *server) quotesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
	quotes, err := s.quotes.FetchMany(ctx, symbols)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: quotes})
}

func (s *server) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	var req marketdata.PortfolioRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, failure.Fatal(0, "invalid request body", err))
		return
	}

	analysis, err := s.market.AnalyzePortfolio(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: analysis.Raw})
}

// envelope mirrors the upstream response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Class   string `json:"class,omitempty"`
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, envelope{
		Error: err.Error(),
		Class: string(failure.ClassOf(err)),
	})
}

// statusFor maps a failure onto the proxy's response status.
func statusFor(err error) int {
	var fe *failure.Error
	switch {
	case errors.Is(err, failure.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, failure.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, failure.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &fe) && fe.Class == failure.ClassFatal && fe.StatusCode == 0:
		// rejected locally before reaching upstream
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
