// Package quickauth implements auth.Verifier against the Farcaster Quick Auth
// service. Tokens are ES256 JWTs whose audience is the serving domain and
// whose subject is the user's fid; signing keys come from the issuer's JWKS
// endpoint and auto-refresh.
package quickauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tradcast/bridge/auth"
)

const (
	// DefaultIssuer is the Quick Auth token issuer.
	DefaultIssuer = "https://auth.farcaster.xyz"
	// DefaultJWKSURL serves the issuer's signing keys.
	DefaultJWKSURL = "https://auth.farcaster.xyz/.well-known/jwks.json"
)

// Config controls validation behavior for Quick Auth tokens.
type Config struct {
	Issuer      string
	JWKSURL     string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config with the production issuer and safe defaults
// for algorithm and clock skew.
func DefaultConfig() *Config {
	return &Config{
		Issuer:      DefaultIssuer,
		JWKSURL:     DefaultJWKSURL,
		AllowedAlgs: []string{"ES256", "EdDSA"},
		Leeway:      60 * time.Second,
	}
}

// Verifier validates Quick Auth JWTs. Safe for concurrent use.
type Verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// New constructs a Verifier whose JWKS keys auto-refresh for the lifetime of
// ctx.
func New(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Verifier{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// Verify implements auth.Verifier. Signature, issuer, audience (the serving
// domain) and expiry failures map to auth.ErrInvalidCredential; any other
// fault (e.g. a JWKS fetch failure) propagates unchanged.
func (v *Verifier) Verify(ctx context.Context, credential, domain string) (int64, error) {
	if credential == "" {
		return 0, auth.ErrMissingCredential
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(domain),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(credential, v.keyfunc)
	if err != nil {
		if isRejection(err) {
			return 0, fmt.Errorf("%w: %v", auth.ErrInvalidCredential, err)
		}
		return 0, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected claims shape", auth.ErrInvalidCredential)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, fmt.Errorf("%w: missing sub", auth.ErrInvalidCredential)
	}
	fid, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric sub %q", auth.ErrInvalidCredential, sub)
	}
	return fid, nil
}

// isRejection distinguishes a definitive token rejection from a transient
// fault that should propagate unchanged.
func isRejection(err error) bool {
	for _, target := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenExpired,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenInvalidClaims,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
