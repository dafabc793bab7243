package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/app/core/reader"
	"github.com/uhyunpark/hyperlend/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// Config selects which write paths the server exposes
type Config struct {
	RequireSignatures bool // reject batches without a signature
	FaucetEnabled     bool
	AllowedOrigins    []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *margin.Engine
	reader  *reader.Reader
	metrics *metrics.Metrics
	router  *mux.Router
	hub     *Hub // WebSocket hub
	cfg     Config
	logger  *zap.SugaredLogger
}

// NewServer creates a new API server and subscribes it to committed batches
func NewServer(engine *margin.Engine, m *metrics.Metrics, cfg Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		engine:  engine,
		reader:  reader.New(engine),
		metrics: m,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		cfg:     cfg,
		logger:  logger,
	}

	s.setupRoutes()
	engine.OnCommit(s.publish)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pool endpoints; /pools/prices must be registered before /pools/{asset}
	api.HandleFunc("/pools", s.handleGetPools).Methods("GET")
	api.HandleFunc("/pools/prices", s.handleGetPrices).Methods("GET")
	api.HandleFunc("/pools/{asset}", s.handleGetPool).Methods("GET")
	api.HandleFunc("/dex/fee", s.handleGetDexFee).Methods("GET")

	// Account endpoints
	acct := api.PathPrefix("/accounts/{address}").Subrouter()
	acct.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	acct.HandleFunc("/positions/info", s.handleGetPositionsInfo).Methods("GET")
	acct.HandleFunc("/positions/{asset}", s.handleGetPosition).Methods("GET")
	acct.HandleFunc("/margins", s.handleGetMargins).Methods("GET")
	acct.HandleFunc("/balances", s.handleGetBalances).Methods("GET")
	acct.HandleFunc("/health", s.handleGetHealth).Methods("GET")
	acct.HandleFunc("/max-redeem/{asset}", s.handleGetMaxRedeem).Methods("GET")
	acct.HandleFunc("/nonce", s.handleGetNonce).Methods("GET")
	acct.HandleFunc("/wallet/{asset}", s.handleGetWallet).Methods("GET")

	// Batch submission
	api.HandleFunc("/batch", s.handleSubmitBatch).Methods("POST")
	if s.cfg.FaucetEnabled {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Infow("api_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.reader.Pools(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	info, err := s.reader.PoolInfo(r.Context(), asset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.reader.PoolsPrice(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, prices)
}

func (s *Server) handleGetDexFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := q.Get("tokenA"), q.Get("tokenB")
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		respondError(w, http.StatusBadRequest, "invalid address", "tokenA and tokenB must be hex addresses")
		return
	}
	tokenA, tokenB := common.HexToAddress(a), common.HexToAddress(b)
	respondJSON(w, DexFeeResponse{
		TokenA: tokenA,
		TokenB: tokenB,
		FeeBps: s.reader.DexPoolFeeAmount(tokenA, tokenB),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	positions, err := s.reader.Positions(account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	pos, err := s.reader.Position(account, asset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, pos)
}

func (s *Server) handleGetPositionsInfo(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	info, err := s.reader.PositionsInfo(r.Context(), account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleGetMargins(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	margins, err := s.reader.MarginsAndSupplies(r.Context(), account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, margins)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	balances, err := s.reader.LiquidityAndDebts(account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, balances)
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	health, err := s.reader.LiquidationHealthFactor(r.Context(), account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, health)
}

func (s *Server) handleGetMaxRedeem(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	amount, err := s.reader.MaxAmountToRedeem(r.Context(), account, asset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, AmountResponse{Asset: asset, Amount: amount})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	nonce, err := s.reader.NextNonce(account)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, NonceResponse{Account: account, Nonce: nonce})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	balance, err := s.reader.Wallet(account, asset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, WalletResponse{Account: account, Asset: asset, Balance: balance})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var sb margin.SignedBatch
	if err := decodeBody(w, r, &sb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var (
		receipt *margin.Receipt
		err     error
	)
	if len(sb.Signature) == 0 {
		if s.cfg.RequireSignatures {
			respondError(w, http.StatusUnauthorized, string(errs.InvalidSignature), "batch must be signed")
			return
		}
		ops, decodeErr := margin.DecodeAll(sb.Ops)
		if decodeErr != nil {
			s.respondDomainError(w, decodeErr)
			return
		}
		receipt, err = s.engine.Execute(r.Context(), sb.Account, ops...)
	} else {
		receipt, err = s.engine.ExecuteSigned(r.Context(), &sb)
	}
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Amount == nil || req.Amount.IsZero() {
		respondError(w, http.StatusBadRequest, string(errs.InvalidAmount), "amount must be positive")
		return
	}
	if err := s.engine.Admin().Fund(r.Context(), req.Asset, req.Account, req.Amount); err != nil {
		s.respondDomainError(w, err)
		return
	}
	balance, err := s.reader.Wallet(req.Account, req.Asset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Infow("faucet_funded", "account", req.Account.Hex(), "asset", req.Asset.Hex(), "amount", req.Amount.Dec())
	respondJSON(w, WalletResponse{Account: req.Account, Asset: req.Asset, Balance: balance})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called on commit)
// ==============================

// publish pushes a committed receipt, the account's health and the touched pools to subscribers
func (s *Server) publish(receipt *margin.Receipt) {
	ctx := context.Background()
	s.hub.BroadcastToChannel(AccountChannel(receipt.Account), WSMessage{Type: "receipt", Data: receipt})

	if health, err := s.reader.LiquidationHealthFactor(ctx, receipt.Account); err == nil {
		s.hub.BroadcastToChannel(AccountChannel(receipt.Account), WSMessage{Type: "health", Data: health})
	} else {
		s.logger.Debugw("ws_health_skipped", "account", receipt.Account.Hex(), "error", err)
	}

	for _, asset := range receipt.Touched {
		info, err := s.reader.PoolInfo(ctx, asset)
		if err != nil {
			s.logger.Debugw("ws_pool_skipped", "asset", asset.Hex(), "error", err)
			continue
		}
		s.hub.BroadcastToChannel(poolsTopic, WSMessage{Type: "pool", Data: info})
	}
}

// ==============================
// Helper Functions
// ==============================

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", fmt.Sprintf("%s %q is not a hex address", name, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusOf maps a domain failure kind to its HTTP status
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.EmptyPool:
		return http.StatusNotFound
	case errs.InvalidSignature:
		return http.StatusUnauthorized
	case errs.InvalidNonce, errs.PoolAlreadyExists, errs.MultipleUsdPools:
		return http.StatusConflict
	case errs.InvalidAmount, errs.UnknownOperation, errs.EmptySupplyAmounts, errs.EmptyDepositAmounts, errs.InvalidConfig:
		return http.StatusBadRequest
	case errs.MissingPrice, errs.SwapFailed:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	if kind, ok := errs.KindOf(err); ok {
		respondError(w, statusOf(kind), string(kind), err.Error())
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		respondError(w, http.StatusServiceUnavailable, "cancelled", err.Error())
		return
	}
	s.logger.Errorw("api_internal_error", "error", err)
	respondError(w, http.StatusInternalServerError, "internal error", err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
