package quickauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradcast/bridge/auth"
)

func genES256(t *testing.T, kid string) (*ecdsa.PrivateKey, json.RawMessage) {
	t.Helper()
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	coord := func(b []byte) string {
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}
	jwk, err := json.Marshal(map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"kid": kid,
		"alg": "ES256",
		"use": "sig",
		"x":   coord(pk.PublicKey.X.Bytes()),
		"y":   coord(pk.PublicKey.Y.Bytes()),
	})
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	return pk, jwk
}

func newJWKSServer(t *testing.T, keys ...json.RawMessage) *httptest.Server {
	t.Helper()
	set, err := json.Marshal(map[string][]json.RawMessage{"keys": keys})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, pk *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

const testIssuer = "https://auth.example"

func newVerifier(t *testing.T, jwksURL string) *Verifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := New(ctx, &Config{
		Issuer:      testIssuer,
		JWKSURL:     jwksURL,
		AllowedAlgs: []string{"ES256"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func baseClaims(domain string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": testIssuer,
		"sub": "42",
		"aud": domain,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestVerifyHappyPath(t *testing.T) {
	pk, jwk := genES256(t, "key-1")
	srv := newJWKSServer(t, jwk)
	v := newVerifier(t, srv.URL)

	tok := signToken(t, pk, "key-1", baseClaims("app.example"))
	fid, err := v.Verify(context.Background(), tok, "app.example")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if fid != 42 {
		t.Fatalf("fid = %d, want 42", fid)
	}
}

func TestVerifyMissingCredential(t *testing.T) {
	_, jwk := genES256(t, "key-1")
	srv := newJWKSServer(t, jwk)
	v := newVerifier(t, srv.URL)

	if _, err := v.Verify(context.Background(), "", "app.example"); !errors.Is(err, auth.ErrMissingCredential) {
		t.Fatalf("want ErrMissingCredential, got %v", err)
	}
}

func TestVerifyRejectsDefinitively(t *testing.T) {
	pk, jwk := genES256(t, "key-1")
	srv := newJWKSServer(t, jwk)
	v := newVerifier(t, srv.URL)

	foreign, _ := genES256(t, "key-1")

	cases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"malformed", func(t *testing.T) string {
			return "not-a-jwt"
		}},
		{"expired", func(t *testing.T) string {
			claims := baseClaims("app.example")
			claims["exp"] = time.Now().Add(-2 * time.Hour).Unix()
			return signToken(t, pk, "key-1", claims)
		}},
		{"missing expiry", func(t *testing.T) string {
			claims := baseClaims("app.example")
			delete(claims, "exp")
			return signToken(t, pk, "key-1", claims)
		}},
		{"wrong audience", func(t *testing.T) string {
			return signToken(t, pk, "key-1", baseClaims("other.example"))
		}},
		{"wrong issuer", func(t *testing.T) string {
			claims := baseClaims("app.example")
			claims["iss"] = "https://impostor.example"
			return signToken(t, pk, "key-1", claims)
		}},
		{"forged signature", func(t *testing.T) string {
			// Signed by a key the JWKS never published, under the real kid.
			return signToken(t, foreign, "key-1", baseClaims("app.example"))
		}},
		{"missing sub", func(t *testing.T) string {
			claims := baseClaims("app.example")
			delete(claims, "sub")
			return signToken(t, pk, "key-1", claims)
		}},
		{"non-numeric sub", func(t *testing.T) string {
			claims := baseClaims("app.example")
			claims["sub"] = "not-a-fid"
			return signToken(t, pk, "key-1", claims)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token(t), "app.example")
			if !errors.Is(err, auth.ErrInvalidCredential) {
				t.Fatalf("want ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestVerifyLeewayAcceptsRecentExpiry(t *testing.T) {
	pk, jwk := genES256(t, "key-1")
	srv := newJWKSServer(t, jwk)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := New(ctx, &Config{
		Issuer:      testIssuer,
		JWKSURL:     srv.URL,
		AllowedAlgs: []string{"ES256"},
		Leeway:      time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := baseClaims("app.example")
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	tok := signToken(t, pk, "key-1", claims)

	fid, err := v.Verify(context.Background(), tok, "app.example")
	if err != nil {
		t.Fatalf("expiry within leeway must verify: %v", err)
	}
	if fid != 42 {
		t.Fatalf("fid = %d, want 42", fid)
	}
}

func TestVerifyKeyResolutionFaultPropagates(t *testing.T) {
	pk, jwk := genES256(t, "key-1")
	srv := newJWKSServer(t, jwk)
	v := newVerifier(t, srv.URL)

	// A kid the JWKS does not serve: key resolution fails, which is a
	// transient fault, not a verdict on the token.
	tok := signToken(t, pk, "unknown-kid", baseClaims("app.example"))
	_, err := v.Verify(context.Background(), tok, "app.example")
	if err == nil {
		t.Fatal("expected an error for an unresolvable signing key")
	}
	if errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("key resolution fault must not read as a rejection: %v", err)
	}
}
