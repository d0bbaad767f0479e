package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"treasuryd/affiliate"
	"treasuryd/config"
	"treasuryd/distribution"
	"treasuryd/storage"
	"treasuryd/treasury"
)

// Authenticator enforces bearer-token auth on the operator surface.
type Authenticator struct {
	token string
}

// NewAuthenticator constructs the authenticator. A token is mandatory; the
// admin surface never runs open.
func NewAuthenticator(token string) (*Authenticator, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("server: admin bearer token required")
	}
	return &Authenticator{token: trimmed}, nil
}

// Middleware rejects requests without the expected bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || parseBearerToken(r.Header.Get("Authorization")) != a.token {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Admin is the operator HTTP surface: health, status, pool balances, profit
// and volume reports, transfers, bridge swaps, pause controls, and the manual
// sunset trigger.
type Admin struct {
	registry *treasury.Registry
	executor *treasury.Executor
	bridge   *treasury.Bridge
	chips    *affiliate.Ledger
	store    *storage.Store
	auth     *Authenticator
	log      *slog.Logger
}

// NewAdmin wires the operator surface.
func NewAdmin(registry *treasury.Registry, executor *treasury.Executor, bridge *treasury.Bridge, chips *affiliate.Ledger, store *storage.Store, auth *Authenticator, log *slog.Logger) (*Admin, error) {
	if registry == nil || executor == nil || bridge == nil || chips == nil || store == nil {
		return nil, fmt.Errorf("server: registry, executor, bridge, chip ledger, and store required")
	}
	if auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Admin{
		registry: registry,
		executor: executor,
		bridge:   bridge,
		chips:    chips,
		store:    store,
		auth:     auth,
		log:      log,
	}, nil
}

// Router builds the chi routing tree. Health and metrics stay open; every
// operator route sits behind the bearer token.
func (a *Admin) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)
		r.Get("/status", a.handleStatus)
		r.Get("/pools/{name}/balance", a.handlePoolBalance)
		r.Post("/profits", a.handleProfitReport)
		r.Post("/transfers", a.handleTransfer)
		r.Post("/bridge/swaps", a.handleBridgeSwap)
		r.Get("/bridge/swaps/{hash}", a.handleBridgeStatus)
		r.Post("/volumes", a.handleVolumeReport)
		r.Post("/pause", a.handlePause)
		r.Post("/resume", a.handleResume)
		r.Post("/sunset/trigger", a.handleSunsetTrigger)
	})
	return r
}

func (a *Admin) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Paused bool           `json:"paused"`
	Sunset sunsetSnapshot `json:"sunset"`
}

type sunsetSnapshot struct {
	MonthlyVolume int64      `json:"monthly_volume"`
	Rolling3MoAvg int64      `json:"rolling_3mo_avg"`
	Threshold     int64      `json:"threshold"`
	Percentage    float64    `json:"percentage"`
	IsTriggered   bool       `json:"is_triggered"`
	TriggeredAt   *time.Time `json:"triggered_at,omitempty"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.store.Sunset(r.Context())
	if err != nil {
		a.serverError(w, "read sunset status", err)
		return
	}
	snapshot := sunsetSnapshot{
		MonthlyVolume: status.MonthlyVolume,
		Rolling3MoAvg: status.Rolling3MoAvg,
		Threshold:     status.Threshold,
		IsTriggered:   status.IsTriggered,
		TriggeredAt:   status.TriggeredAt,
	}
	if status.Threshold > 0 {
		snapshot.Percentage = float64(status.Rolling3MoAvg) / float64(status.Threshold) * 100
	}
	writeJSON(w, http.StatusOK, statusResponse{Paused: a.executor.Paused(), Sunset: snapshot})
}

type balanceResponse struct {
	Pool    string `json:"pool"`
	Address string `json:"address"`
	Native  string `json:"native_wei"`
	Token   string `json:"token_base_units"`
}

func (a *Admin) handlePoolBalance(w http.ResponseWriter, r *http.Request) {
	pool := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
	ctx := r.Context()
	addr, err := a.registry.AddressFor(ctx, pool)
	if err != nil {
		if errors.Is(err, treasury.ErrUnknownPool) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		a.serverError(w, "resolve pool address", err)
		return
	}
	native := a.balanceOrZero(ctx, pool, a.registry.NativeBalance)
	token := a.balanceOrZero(ctx, pool, a.registry.TokenBalance)
	writeJSON(w, http.StatusOK, balanceResponse{
		Pool:    pool,
		Address: addr.Hex(),
		Native:  native.String(),
		Token:   token.String(),
	})
}

func (a *Admin) balanceOrZero(ctx context.Context, pool string, read func(context.Context, string) (*big.Int, error)) *big.Int {
	balance, err := read(ctx, pool)
	if err != nil || balance == nil {
		return big.NewInt(0)
	}
	return balance
}

type profitRequest struct {
	GrossProfitCents int64 `json:"gross_profit_cents"`
}

type profitResponse struct {
	ConsumerCents  int64 `json:"consumer_cents"`
	AffiliateCents int64 `json:"affiliate_cents"`
	WholesaleCents int64 `json:"wholesale_cents"`
	RetainedCents  int64 `json:"retained_cents"`
}

// handleProfitReport splits an upstream gross-profit report into the fixed
// pools and accrues the distributable shares. The retained share is not
// accrued; it never leaves the company.
func (a *Admin) handleProfitReport(w http.ResponseWriter, r *http.Request) {
	var req profitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	alloc, err := distribution.AllocatePools(req.GrossProfitCents)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	for pool, cents := range map[string]int64{
		config.PoolConsumer:  alloc.ConsumerCents,
		config.PoolAffiliate: alloc.AffiliateCents,
		config.PoolWholesale: alloc.WholesaleCents,
	} {
		if err := a.store.AccruePool(ctx, pool, cents); err != nil {
			a.serverError(w, "accrue pool "+pool, err)
			return
		}
	}
	a.log.Info("profit report allocated",
		slog.Int64("gross_cents", req.GrossProfitCents),
		slog.Int64("affiliate_cents", alloc.AffiliateCents))
	writeJSON(w, http.StatusOK, profitResponse{
		ConsumerCents:  alloc.ConsumerCents,
		AffiliateCents: alloc.AffiliateCents,
		WholesaleCents: alloc.WholesaleCents,
		RetainedCents:  alloc.RetainedCents,
	})
}

type volumeRequest struct {
	MonthlyVolumeCents int64 `json:"monthly_volume_cents"`
	Rolling3MoAvgCents int64 `json:"rolling_3mo_avg_cents"`
}

type volumeResponse struct {
	Percentage  float64 `json:"percentage"`
	IsTriggered bool    `json:"is_triggered"`
}

// handleVolumeReport records the upstream volume snapshot and evaluates
// the sunset latch against it.
func (a *Admin) handleVolumeReport(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MonthlyVolumeCents < 0 || req.Rolling3MoAvgCents < 0 {
		http.Error(w, "volumes must not be negative", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := a.store.UpdateSunsetVolumes(ctx, req.MonthlyVolumeCents, req.Rolling3MoAvgCents); err != nil {
		a.serverError(w, "update sunset volumes", err)
		return
	}
	report, err := a.chips.CheckSunset(ctx)
	if err != nil {
		a.serverError(w, "check sunset", err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{
		Percentage:  report.Percentage,
		IsTriggered: report.IsTriggered,
	})
}

type transferRequest struct {
	Pool        string `json:"pool"`
	To          string `json:"to"`
	AmountCents int64  `json:"amount_cents"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

func (a *Admin) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.To) {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}
	hash, err := a.executor.Transfer(r.Context(), strings.ToLower(strings.TrimSpace(req.Pool)), common.HexToAddress(req.To), req.AmountCents)
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrUnknownPool):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, treasury.ErrPaused):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			a.serverError(w, "submit transfer", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{TxHash: hash.Hex()})
}

type bridgeSwapRequest struct {
	Pool        string `json:"pool"`
	Destination string `json:"destination"`
	AmountCents int64  `json:"amount_cents"`
}

type bridgeSwapResponse struct {
	TxHash      string `json:"tx_hash"`
	AmountLD    string `json:"amount_ld"`
	MinAmountLD string `json:"min_amount_ld"`
	NativeFee   string `json:"native_fee_wei"`
}

func (a *Admin) handleBridgeSwap(w http.ResponseWriter, r *http.Request) {
	var req bridgeSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Destination) {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}
	receipt, err := a.bridge.Execute(r.Context(), strings.ToLower(strings.TrimSpace(req.Pool)), req.AmountCents, common.HexToAddress(req.Destination))
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrUnknownPool):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, treasury.ErrPaused):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			a.serverError(w, "submit bridge swap", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, bridgeSwapResponse{
		TxHash:      receipt.TxHash.Hex(),
		AmountLD:    receipt.AmountLD.String(),
		MinAmountLD: receipt.MinAmountLD.String(),
		NativeFee:   receipt.NativeFee.String(),
	})
}

type bridgeStatusResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

func (a *Admin) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "hash")
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		http.Error(w, "invalid transaction hash", http.StatusBadRequest)
		return
	}
	hash := common.HexToHash(raw)
	writeJSON(w, http.StatusOK, bridgeStatusResponse{
		TxHash: hash.Hex(),
		Status: a.bridge.Status(r.Context(), hash),
	})
}

func (a *Admin) handlePause(w http.ResponseWriter, _ *http.Request) {
	a.executor.Pause()
	a.log.Warn("executor paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleResume(w http.ResponseWriter, _ *http.Request) {
	a.executor.Resume()
	a.log.Info("executor resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

type triggerResponse struct {
	Triggered bool `json:"triggered"`
}

func (a *Admin) handleSunsetTrigger(w http.ResponseWriter, r *http.Request) {
	flipped, err := a.chips.Trigger(r.Context())
	if err != nil {
		a.serverError(w, "trigger sunset", err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Triggered: flipped})
}

func (a *Admin) serverError(w http.ResponseWriter, action string, err error) {
	a.log.Error(action+" failed", slog.String("error", err.Error()))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Serve runs the admin server until the context is cancelled, then shuts
// down gracefully.
func Serve(ctx context.Context, cfg *config.Config, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin server listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
