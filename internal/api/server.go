// Package api exposes the coordinator over REST/JSON plus a websocket event
// feed. The quote/payment gate lives here: POST /quote prices a task,
// POST /execute verifies the payment tx and starts the run.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosaicprotocol/coordinator/internal/circuitbreaker"
	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/decisions"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/middleware"
	"github.com/mosaicprotocol/coordinator/internal/payment"
	"github.com/mosaicprotocol/coordinator/internal/quote"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/task"
)

var (
	txHashRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// PaymentVerifier checks that a payment tx covers the quoted total.
// chain.Verifier satisfies it; tests inject fakes.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txHash common.Hash, expected *big.Int, paymentAddress, userAddress common.Address) error
}

// AgentLister is the registry view the /agents endpoint reads.
// registry.MemorySource satisfies it.
type AgentLister interface {
	All(ctx context.Context) []*core.Agent
}

// Config carries the server's own knobs; collaborators come in via Deps.
type Config struct {
	Addr           string
	PaymentAddress common.Address
	RateLimit      middleware.RateLimitConfig
}

// Deps are the coordinator components the API fronts. Verifier may be nil in
// development, which skips on-chain payment checks.
type Deps struct {
	Quotes   *quote.Service
	Tasks    *task.Engine
	Ledger   *payment.Ledger
	Registry *registry.Client
	Agents   AgentLister
	Verifier PaymentVerifier
	Log      *decisions.Log
	Breakers *circuitbreaker.Set
	Bus      *events.Bus
}

// Server is the coordinator's HTTP front.
type Server struct {
	cfg     Config
	deps    Deps
	limiter *middleware.RateLimiter
	feed    *Feed
	http    *http.Server
	logger  *log.Logger
}

// NewServer builds the server and its router.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: middleware.NewRateLimiter(cfg.RateLimit),
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if deps.Bus != nil {
		s.feed = NewFeed(deps.Bus)
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // quote generation may run the planner
	}
	return s
}

// Handler returns the routed handler. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(s.limiter.Middleware)

	r.HandleFunc("/quote", s.handleQuote).Methods("POST")
	r.HandleFunc("/quote/{quoteId}", s.handleGetQuote).Methods("GET")
	r.HandleFunc("/execute", s.handleExecute).Methods("POST")
	r.HandleFunc("/balance/{address}", s.handleBalance).Methods("GET")
	r.HandleFunc("/agents", s.handleAgents).Methods("GET")
	r.HandleFunc("/agents/discover/{capability}", s.handleDiscover).Methods("GET")
	r.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.feed != nil {
		r.HandleFunc("/ws", s.feed.HandleWS)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the feed and limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.feed != nil {
		s.feed.Close()
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

type quoteRequest struct {
	Task string `json:"task"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q, err := s.deps.Quotes.Generate(r.Context(), req.Task)
	if err != nil {
		switch {
		case errors.Is(err, quote.ErrTaskLength):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, task.ErrPlanEmpty), errors.Is(err, registry.ErrNoCandidates):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Printf("quote failed: %v", err)
			writeError(w, http.StatusInternalServerError, "quote generation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quote":          q.Wire(),
		"paymentAddress": s.cfg.PaymentAddress.Hex(),
	})
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["quoteId"]
	q, err := s.deps.Quotes.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "quote not found")
		return
	}
	wire := q.Wire()
	wire["paymentAddress"] = s.cfg.PaymentAddress.Hex()
	writeJSON(w, http.StatusOK, wire)
}

type executeRequest struct {
	QuoteID     string `json:"quoteId"`
	TxHash      string `json:"txHash"`
	UserAddress string `json:"userAddress"`
}

// handleExecute is the payment gate. A verified quote plus a verified tx
// yields an async run; the caller follows progress on the event feed.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !txHashRe.MatchString(req.TxHash) {
		writeError(w, http.StatusBadRequest, "txHash must be a 0x-prefixed 32-byte hex hash")
		return
	}
	if !addressRe.MatchString(req.UserAddress) {
		writeError(w, http.StatusBadRequest, "userAddress must be a 0x-prefixed 20-byte hex address")
		return
	}

	q, err := s.deps.Quotes.Validate(req.QuoteID)
	if err != nil {
		switch {
		case errors.Is(err, quote.ErrQuoteNotFound):
			writeError(w, http.StatusNotFound, "quote not found")
		case errors.Is(err, quote.ErrQuoteExpired):
			writeError(w, http.StatusGone, "quote expired")
		case errors.Is(err, quote.ErrQuoteNotPending):
			writeError(w, http.StatusConflict, "quote already consumed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	user := common.HexToAddress(req.UserAddress)
	if s.deps.Verifier != nil {
		err := s.deps.Verifier.VerifyPayment(r.Context(), common.HexToHash(req.TxHash), q.Total, s.cfg.PaymentAddress, user)
		if err != nil {
			s.logger.Printf("payment verification failed for quote %s: %v", q.ID, err)
			writeError(w, http.StatusPaymentRequired, "payment verification failed: "+err.Error())
			return
		}
	}

	if err := s.deps.Quotes.MarkExecuted(q.ID, req.TxHash); err != nil {
		if errors.Is(err, quote.ErrTxConsumed) {
			writeError(w, http.StatusConflict, "payment transaction already used")
			return
		}
		writeError(w, http.StatusConflict, "quote already consumed")
		return
	}

	executionID := uuid.New().String()
	go func() {
		// The run outlives the HTTP request.
		if _, err := s.deps.Tasks.RunWithID(context.Background(), executionID, q.Task, user); err != nil {
			s.logger.Printf("execution %s failed: %v", executionID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"executionId": executionID,
		"quoteId":     q.ID,
		"status":      "started",
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !addressRe.MatchString(addr) {
		writeError(w, http.StatusBadRequest, "address must be a 0x-prefixed 20-byte hex address")
		return
	}
	bal := s.deps.Ledger.Balance(common.HexToAddress(addr))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": common.HexToAddress(addr).Hex(),
		"balance": bal.String(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Agents.All(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	cap := mux.Vars(r)["capability"]
	res, err := s.deps.Registry.DiscoverByCapability(r.Context(), cap)
	if err != nil {
		if errors.Is(err, registry.ErrNoCandidates) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries := s.deps.Log.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := true
	states := map[string]string{}
	if s.deps.Breakers != nil {
		ok, states = s.deps.Breakers.Health()
	}
	status := http.StatusOK
	text := "healthy"
	if !ok {
		status = http.StatusServiceUnavailable
		text = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   text,
		"circuits": states,
		"time":     time.Now().UnixMilli(),
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
