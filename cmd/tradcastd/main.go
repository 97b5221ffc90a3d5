// Command tradcastd serves the Tradcast bridge API: Farcaster Quick Auth
// credential verification, realtime session issuance, and game settlement
// authorization.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/tradcast/bridge/auth"
	"github.com/tradcast/bridge/auth/quickauth"
	"github.com/tradcast/bridge/authcache"
	"github.com/tradcast/bridge/authcache/memory"
	rediscache "github.com/tradcast/bridge/authcache/redis"
	"github.com/tradcast/bridge/httpapi"
	"github.com/tradcast/bridge/internal/gamebackend"
	"github.com/tradcast/bridge/internal/logctx"
	"github.com/tradcast/bridge/session"
	"github.com/tradcast/bridge/settle"
)

type config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// AppDomain is the audience claim fallback when requests carry no Host.
	AppDomain string `env:"APP_DOMAIN,default=localhost:3000"`

	QuickAuthIssuer  string `env:"QUICK_AUTH_ISSUER,default=https://auth.farcaster.xyz"`
	QuickAuthJWKSURL string `env:"QUICK_AUTH_JWKS_URL,default=https://auth.farcaster.xyz/.well-known/jwks.json"`

	// WSSecret derives the session envelope key.
	WSSecret string `env:"WS_SECRET,required"`
	// RealtimeURL is the realtime backend that registers sessions.
	RealtimeURL string `env:"WS_SESSION_URL,required"`
	// BackendAPIURL enables the home/profile/leaderboard proxies when set.
	BackendAPIURL string `env:"BACKEND_API_URL"`

	// RedisAddr switches the verification cache to Redis when set.
	RedisAddr string `env:"REDIS_ADDR"`

	// SettlementSeed is the 32-byte hex seed shared with the game contract.
	SettlementSeed string `env:"SETTLEMENT_SEED,required"`
	// SignerKey is the hex private key whose address the contract trusts.
	SignerKey string `env:"SIGNER_KEY,required"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, nil)})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstream, err := quickauth.New(ctx, &quickauth.Config{
		Issuer:  cfg.QuickAuthIssuer,
		JWKSURL: cfg.QuickAuthJWKSURL,
	})
	if err != nil {
		return fmt.Errorf("quick auth verifier: %w", err)
	}

	var cache authcache.Cache
	if cfg.RedisAddr != "" {
		cache, err = rediscache.New(rediscache.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
	} else {
		cache = memory.New()
	}
	defer cache.Close()

	verifier := auth.NewCachedVerifier(upstream, cache,
		auth.WithFallbackDomain(cfg.AppDomain),
		auth.WithLogger(log),
	)

	issuer, err := session.NewIssuer(cfg.WSSecret, cfg.RealtimeURL, session.WithLogger(log))
	if err != nil {
		return fmt.Errorf("session issuer: %w", err)
	}

	signerKey, err := crypto.HexToECDSA(trim0x(cfg.SignerKey))
	if err != nil {
		return fmt.Errorf("signer key: %w", err)
	}
	authorizer := settle.NewLocalAuthorizer(common.HexToHash(cfg.SettlementSeed), signerKey)

	opts := []httpapi.Option{httpapi.WithLogger(log)}
	if cfg.BackendAPIURL != "" {
		opts = append(opts, httpapi.WithBackend(gamebackend.New(cfg.BackendAPIURL)))
	}
	handler := httpapi.New(verifier, issuer, authorizer, opts...)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
