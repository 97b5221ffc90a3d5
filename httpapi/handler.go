// Package httpapi exposes the bridge's HTTP surface: credential verification
// with session issuance, play-session minting and settlement authorization,
// and read-side proxies to the game backend.
package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/tradcast/bridge/auth"
	"github.com/tradcast/bridge/internal/gamebackend"
	"github.com/tradcast/bridge/internal/logctx"
	"github.com/tradcast/bridge/session"
	"github.com/tradcast/bridge/settle"
)

// writeJSONError emits the API's uniform error body. Safe to call before any
// status has been written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithBackend enables the game-backend read proxies.
func WithBackend(c *gamebackend.Client) Option {
	return func(h *Handler) { h.backend = c }
}

// Handler routes the bridge API.
type Handler struct {
	mux        *mux.Router
	verifier   *auth.CachedVerifier
	issuer     *session.Issuer
	authorizer settle.Authorizer
	backend    *gamebackend.Client
	log        *slog.Logger
}

// New builds the API handler. The authorizer signs settlement requests for
// POST /api/game/end; backend proxies are wired through WithBackend.
func New(verifier *auth.CachedVerifier, issuer *session.Issuer, authorizer settle.Authorizer, opts ...Option) *Handler {
	h := &Handler{
		verifier:   verifier,
		issuer:     issuer,
		authorizer: authorizer,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/verify", h.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/game/start", h.handleGameStart).Methods(http.MethodPost)
	r.HandleFunc("/api/game/end", h.handleGameEnd).Methods(http.MethodPost)
	r.HandleFunc("/api/home", h.handleHome).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", h.handleProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/leaderboard", h.handleLeaderboard).Methods(http.MethodGet)
	h.mux = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkAuthentication resolves the caller's fid or writes the rejection and
// returns false. Sensitive routes set fresh to skip the verification cache.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request, fresh bool) (int64, bool) {
	ctx := r.Context()

	var (
		fid int64
		err error
	)
	if fresh {
		fid, err = h.verifier.VerifyRequestFresh(ctx, r)
	} else {
		fid, err = h.verifier.VerifyRequest(ctx, r)
	}
	switch {
	case err == nil:
		return fid, true
	case errors.Is(err, auth.ErrMissingCredential):
		writeJSONError(w, http.StatusUnauthorized, "missing credential")
	case errors.Is(err, auth.ErrInvalidCredential):
		writeJSONError(w, http.StatusUnauthorized, "invalid credential")
	default:
		h.log.ErrorContext(ctx, "credential verification unavailable", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "verification unavailable")
	}
	return 0, false
}

// handleVerify checks the caller's credential and issues an encrypted
// session descriptor. The descriptor only reaches the response body after
// the realtime backend acknowledged its registration.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fid, ok := h.checkAuthentication(w, r, false)
	if !ok {
		return
	}
	ctx = logctx.WithUserData(ctx, &logctx.UserData{FID: fid})

	issued, err := h.issuer.Issue(ctx, fid)
	if err != nil {
		if errors.Is(err, session.ErrBackendUnavailable) {
			h.log.ErrorContext(ctx, "session registration refused", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadGateway, "session backend unavailable")
			return
		}
		h.log.ErrorContext(ctx, "session issuance failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "session issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"encrypted_token": issued.EncryptedToken,
		"expires_at":      issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleGameStart mints a random 256-bit play-session identifier. Sensitive:
// verification always goes upstream.
func (h *Handler) handleGameStart(w http.ResponseWriter, r *http.Request) {
	fid, ok := h.checkAuthentication(w, r, true)
	if !ok {
		return
	}

	var body struct {
		WalletAddress string `json:"walletAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WalletAddress == "" {
		writeJSONError(w, http.StatusBadRequest, "wallet address is required")
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create game session")
		return
	}
	sessionID := new(big.Int).SetBytes(raw)

	ctx := logctx.WithGameData(r.Context(), &logctx.GameData{SessionID: sessionID.String()})
	h.log.InfoContext(ctx, "game session minted", slog.Int64("fid", fid))

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId":    sessionID.String(),
		"sessionIdHex": "0x" + fmt.Sprintf("%064x", sessionID),
		"fid":          fmt.Sprintf("%d", fid),
	})
}

// handleGameEnd signs the settlement authorization for a finished session.
// Sensitive: verification always goes upstream.
func (h *Handler) handleGameEnd(w http.ResponseWriter, r *http.Request) {
	_, ok := h.checkAuthentication(w, r, true)
	if !ok {
		return
	}

	var body struct {
		SessionID     string           `json:"sessionId"`
		Points        *decimal.Decimal `json:"points"`
		WalletAddress string           `json:"walletAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.SessionID == "" || body.Points == nil || body.WalletAddress == "" {
		writeJSONError(w, http.StatusBadRequest, "sessionId, points, and walletAddress are required")
		return
	}

	sessionID, valid := new(big.Int).SetString(body.SessionID, 10)
	if !valid {
		writeJSONError(w, http.StatusBadRequest, "malformed sessionId")
		return
	}

	ctx := logctx.WithGameData(r.Context(), &logctx.GameData{SessionID: sessionID.String()})
	amount := body.Points.Shift(18).BigInt()
	sig, err := h.authorizer.AuthorizeSettlement(ctx, sessionID, amount)
	if err != nil {
		h.log.ErrorContext(ctx, "settlement authorization failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to end game session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Game session ended successfully",
		"sessionId": body.SessionID,
		"points":    body.Points,
		"signature": hexutil.Encode(sig),
	})
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	fid, ok := h.checkAuthentication(w, r, false)
	if !ok {
		return
	}
	if h.backend == nil {
		writeJSONError(w, http.StatusNotFound, "not available")
		return
	}

	stats, err := h.backend.HomeStats(r.Context(), fid)
	if err != nil {
		h.log.ErrorContext(r.Context(), "home stats fetch failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "game backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	fid, ok := h.checkAuthentication(w, r, false)
	if !ok {
		return
	}
	if h.backend == nil {
		writeJSONError(w, http.StatusNotFound, "not available")
		return
	}

	q := r.URL.Query()
	profile, err := h.backend.Profile(r.Context(), fid, q.Get("username"), q.Get("wallet"))
	if err != nil {
		h.log.ErrorContext(r.Context(), "profile fetch failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "game backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	fid, ok := h.checkAuthentication(w, r, false)
	if !ok {
		return
	}
	if h.backend == nil {
		writeJSONError(w, http.StatusNotFound, "not available")
		return
	}

	entries, err := h.backend.Leaderboard(r.Context(), fid)
	if err != nil {
		h.log.ErrorContext(r.Context(), "leaderboard fetch failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "game backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}
