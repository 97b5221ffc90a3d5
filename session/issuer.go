// Package session mints the short-lived encrypted session descriptors that
// authenticate a realtime connection. A descriptor binds a random token, an
// expiry and a fid; it is opaque to the client and readable only by this
// issuer and the realtime backend, which share the sealing secret.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Duration is the fixed lifetime of an issued session.
const Duration = 6 * time.Minute

const tokenBytes = 32

// ErrBackendUnavailable indicates the realtime backend did not acknowledge the
// session registration. Issuance is all-or-nothing: a token the backend never
// learned about must not be handed out.
var ErrBackendUnavailable = errors.New("session: realtime backend unavailable")

// Descriptor is the plaintext session record. Field names are the wire
// contract with the realtime backend.
type Descriptor struct {
	Token      string `json:"token"`
	SessionEnd string `json:"session_end"`
	FID        int64  `json:"fid"`
}

// Issued is what the client receives: the sealed descriptor and its expiry.
type Issued struct {
	EncryptedToken string    `json:"encrypted_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Issuer mints descriptors and registers them with the realtime backend.
type Issuer struct {
	key        *Key
	backendURL string
	httpc      *http.Client
	log        *slog.Logger
	nowFn      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithHTTPClient overrides the HTTP client used for backend registration.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Issuer) { i.httpc = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(i *Issuer) { i.log = log }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(i *Issuer) { i.nowFn = now }
}

// NewIssuer builds an Issuer. backendURL is the realtime backend's base URL;
// registration goes to backendURL + "/start_session".
func NewIssuer(secret, backendURL string, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("sealing secret is required")
	}
	if backendURL == "" {
		return nil, errors.New("backend url is required")
	}
	// One scrypt pass per process, not per request.
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	i := &Issuer{
		key:        key,
		backendURL: backendURL,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		log:        slog.Default(),
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints a descriptor for fid, registers it with the realtime backend,
// and returns the sealed form. If registration does not return success the
// descriptor is discarded and ErrBackendUnavailable is returned.
func (i *Issuer) Issue(ctx context.Context, fid int64) (*Issued, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	expiresAt := i.nowFn().Add(Duration)
	desc := Descriptor{
		Token:      hex.EncodeToString(raw),
		SessionEnd: expiresAt.UTC().Format(time.RFC3339),
		FID:        fid,
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	sealed, err := i.key.Seal(payload)
	if err != nil {
		return nil, fmt.Errorf("seal descriptor: %w", err)
	}

	if err := i.register(ctx, sealed); err != nil {
		return nil, err
	}

	return &Issued{EncryptedToken: sealed, ExpiresAt: expiresAt}, nil
}

func (i *Issuer) register(ctx context.Context, sealed string) error {
	body, err := json.Marshal(map[string]string{"encrypted_token": sealed})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.backendURL+"/start_session", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		i.log.ErrorContext(ctx, "realtime backend rejected session registration",
			slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

// OpenDescriptor decrypts and decodes a sealed descriptor. Used by the
// backend half of the handshake and by tests.
func OpenDescriptor(envelope, secret string) (*Descriptor, error) {
	plaintext, err := Open(envelope, secret)
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(plaintext, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	return &desc, nil
}
