// Package marketdata binds the quote API endpoints to the resilient client:
// the bulk quote fetch the coalescer batches into, and direct aggregate reads
// such as portfolio analysis.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/quote-client/pkg/cache"
	"github.com/Sternrassler/quote-client/pkg/client"
	"github.com/Sternrassler/quote-client/pkg/coalesce"
	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/logging"
	"github.com/rs/zerolog"
)

// Upstream endpoints.
const (
	QuotesPath    = "/api/quotes"
	PortfolioPath = "/api/portfolio/analyze"
)

// DefaultPeriod is used when a portfolio request names none.
const DefaultPeriod = "1y"

var validPeriods = map[string]bool{
	"1m": true, "3m": true, "6m": true, "ytd": true, "1y": true, "3y": true, "5y": true,
}

// Executor performs one resilient upstream call. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, spec client.RequestSpec) (*client.Response, error)
}

// QuoteCache stores raw quote JSON by symbol. *cache.Manager implements it.
type QuoteCache interface {
	GetMany(ctx context.Context, ids []string) (map[string]*cache.Entry, []string, error)
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error
}

// Config holds service settings.
type Config struct {
	// Cache is an optional read-through cache for quotes.
	Cache QuoteCache

	// CacheTTL applies when the upstream sends no caching headers.
	CacheTTL time.Duration

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// Service reads market data from the quote API.
type Service struct {
	exec     Executor
	cache    QuoteCache
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewService creates a service issuing calls through exec.
func NewService(exec Executor, cfg Config) *Service {
	if exec == nil {
		panic("executor cannot be nil")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultConfig().DefaultTTL
	}

	logger := logging.NewLogger("marketdata")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "marketdata").Logger()
	}

	return &Service{
		exec:     exec,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// FetchQuotes returns quotes for symbols in one upstream call, serving what
// it can from the cache first. Symbols without data are left out of the
// result. Symbols are normalized and deduplicated so cache keys match the
// upper-cased keys written back. Its signature matches coalesce.BulkFunc.
func (s *Service) FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	result := make(map[string]Quote, len(symbols))
	missing := symbols
	if s.cache != nil {
		missing = s.readCache(ctx, symbols, result)
		if len(missing) == 0 {
			return result, nil
		}
	}

	raw, headers, err := s.fetchRaw(ctx, missing)
	if err != nil {
		return nil, err
	}

	for sym, data := range raw {
		var q Quote
		if err := json.Unmarshal(data, &q); err != nil {
			s.logger.Warn().Err(err).Str("symbol", sym).Msg("Skipping malformed quote")
			delete(raw, sym)
			continue
		}
		if q.Symbol == "" {
			q.Symbol = sym
		}
		result[sym] = q
	}

	if s.cache != nil {
		s.writeCache(ctx, raw, headers)
	}
	return result, nil
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = coalesce.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// readCache fills result from the cache and returns the symbols still needed.
// Cache failures fall through to upstream.
func (s *Service) readCache(ctx context.Context, symbols []string, result map[string]Quote) []string {
	hits, misses, err := s.cache.GetMany(ctx, symbols)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Quote cache unavailable, fetching from upstream")
		return symbols
	}

	for sym, entry := range hits {
		var q Quote
		if err := json.Unmarshal(entry.Data, &q); err != nil {
			misses = append(misses, sym)
			continue
		}
		result[sym] = q
	}

	s.logger.Debug().
		Int("hits", len(result)).
		Int("misses", len(misses)).
		Msg("Quote cache lookup")
	return misses
}

func (s *Service) writeCache(ctx context.Context, raw map[string]json.RawMessage, headers http.Header) {
	if len(raw) == 0 {
		return
	}
	ttl := cache.TTLFromHeaders(headers, s.cacheTTL)
	if ttl <= 0 {
		return
	}

	items := make(map[string][]byte, len(raw))
	for sym, data := range raw {
		items[sym] = data
	}
	if err := s.cache.SetMany(ctx, items, ttl); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache quotes")
	}
}

// fetchRaw calls POST /api/quotes and returns the per-symbol JSON keyed by
// upper-cased symbol.
func (s *Service) fetchRaw(ctx context.Context, symbols []string) (map[string]json.RawMessage, http.Header, error) {
	body := struct {
		Symbols []string `json:"symbols"`
	}{Symbols: symbols}

	resp, err := s.exec.Execute(ctx, client.RequestSpec{
		Method: http.MethodPost,
		Path:   QuotesPath,
		Body:   body,
	})
	if err != nil {
		return nil, nil, err
	}

	var data map[string]json.RawMessage
	if err := decodeEnvelope(resp, &data); err != nil {
		return nil, nil, err
	}

	out := make(map[string]json.RawMessage, len(data))
	for sym, q := range data {
		out[coalesce.NormalizeSymbol(sym)] = q
	}
	return out, resp.Header, nil
}

// AnalyzePortfolio runs an aggregate analysis of holdings. It bypasses the
// coalescer and the cache.
func (s *Service) AnalyzePortfolio(ctx context.Context, req PortfolioRequest) (*PortfolioAnalysis, error) {
	if err := normalizePortfolio(&req); err != nil {
		return nil, err
	}

	resp, err := s.exec.Execute(ctx, client.RequestSpec{
		Method: http.MethodPost,
		Path:   PortfolioPath,
		Body:   req,
	})
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := decodeEnvelope(resp, &raw); err != nil {
		return nil, err
	}

	analysis := &PortfolioAnalysis{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, analysis); err != nil {
			return nil, failure.Fatal(resp.StatusCode, "malformed portfolio analysis", err)
		}
	}

	s.logger.Debug().
		Int("holdings", len(req.Holdings)).
		Str("period", req.Period).
		Int("attempts", resp.Attempts).
		Msg("Portfolio analyzed")
	return analysis, nil
}

func normalizePortfolio(req *PortfolioRequest) error {
	if len(req.Holdings) == 0 {
		return failure.Fatal(0, "portfolio has no holdings", nil)
	}
	req.Holdings = append([]Holding(nil), req.Holdings...)
	for i := range req.Holdings {
		h := &req.Holdings[i]
		h.Symbol = strings.ToUpper(strings.TrimSpace(h.Symbol))
		if h.Symbol == "" {
			return failure.Fatal(0, fmt.Sprintf("holding %d has no symbol", i), nil)
		}
		if h.Shares <= 0 {
			return failure.Fatal(0, fmt.Sprintf("holding %s must have positive shares", h.Symbol), nil)
		}
	}

	req.Period = strings.ToLower(strings.TrimSpace(req.Period))
	if req.Period == "" {
		req.Period = DefaultPeriod
	}
	if !validPeriods[req.Period] {
		return failure.Fatal(0, fmt.Sprintf("unsupported period %q", req.Period), nil)
	}
	return nil
}

// NewQuoteCoalescer returns a coalescer batching single-symbol reads into
// FetchQuotes calls.
func (s *Service) NewQuoteCoalescer(cfg coalesce.Config) (*coalesce.Coalescer[Quote], error) {
	return coalesce.New(s.FetchQuotes, cfg)
}
