package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal([]byte(`{"token":"abc","fid":42}`), "ws_secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		t.Fatalf("want iv:tag:ciphertext, got %d segments", len(parts))
	}
	if len(parts[0]) != ivSize*2 || len(parts[1]) != tagSize*2 {
		t.Fatalf("unexpected iv/tag lengths: %d/%d", len(parts[0]), len(parts[1]))
	}

	plain, err := Open(sealed, "ws_secret")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != `{"token":"abc","fid":42}` {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	sealed, err := Seal([]byte("payload"), "ws_secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip a nibble in the ciphertext segment.
	parts := strings.Split(sealed, ":")
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)

	if _, err := Open(tampered, "ws_secret"); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("want ErrEnvelopeInvalid for tampered ciphertext, got %v", err)
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	sealed, err := Seal([]byte("payload"), "ws_secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(sealed, "other_secret"); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("want ErrEnvelopeInvalid for wrong secret, got %v", err)
	}
}

func TestOpenRejectsMalformedEnvelope(t *testing.T) {
	for _, bad := range []string{"", "abc", "a:b", "zz:zz:zz", "a:b:c:d"} {
		if _, err := Open(bad, "ws_secret"); !errors.Is(err, ErrEnvelopeInvalid) {
			t.Fatalf("envelope %q: want ErrEnvelopeInvalid, got %v", bad, err)
		}
	}
}

func TestIssueRegistersAndReturnsDescriptor(t *testing.T) {
	var gotPath string
	var gotToken string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("registration body not json: %v", err)
		}
		gotToken = req["encrypted_token"]
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer("ws_secret", backend.URL, WithNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	issued, err := issuer.Issue(context.Background(), 42)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if gotPath != "/start_session" {
		t.Fatalf("registration path: want /start_session, got %q", gotPath)
	}
	if gotToken != issued.EncryptedToken {
		t.Fatal("backend must receive the same sealed token handed to the client")
	}
	if want := now.Add(Duration); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt: want %v, got %v", want, issued.ExpiresAt)
	}

	desc, err := OpenDescriptor(issued.EncryptedToken, "ws_secret")
	if err != nil {
		t.Fatalf("OpenDescriptor: %v", err)
	}
	if desc.FID != 42 {
		t.Fatalf("descriptor fid: want 42, got %d", desc.FID)
	}
	if len(desc.Token) != tokenBytes*2 {
		t.Fatalf("descriptor token: want %d hex chars, got %d", tokenBytes*2, len(desc.Token))
	}
	if desc.SessionEnd != now.Add(Duration).Format(time.RFC3339) {
		t.Fatalf("descriptor session_end: got %q", desc.SessionEnd)
	}
}

func TestIssueFailsWhenRegistrationFails(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	issuer, err := NewIssuer("ws_secret", backend.URL)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	issued, err := issuer.Issue(context.Background(), 42)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("want ErrBackendUnavailable, got %v", err)
	}
	if issued != nil {
		t.Fatal("no descriptor may be returned when registration fails")
	}
}

func TestIssueFailsWhenBackendUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // dead endpoint

	issuer, err := NewIssuer("ws_secret", backend.URL)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := issuer.Issue(context.Background(), 42); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("want ErrBackendUnavailable, got %v", err)
	}
}

func TestIssuedTokensAreUnique(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	issuer, err := NewIssuer("ws_secret", backend.URL)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		issued, err := issuer.Issue(context.Background(), 1)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		desc, err := OpenDescriptor(issued.EncryptedToken, "ws_secret")
		if err != nil {
			t.Fatalf("OpenDescriptor: %v", err)
		}
		if seen[desc.Token] {
			t.Fatal("duplicate session token issued")
		}
		seen[desc.Token] = true
	}
}

func TestDerivedKeyInteroperatesWithOneShot(t *testing.T) {
	k, err := DeriveKey("ws_secret")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	// The same key handle serves repeated seals; every envelope must open
	// through both the handle and the one-shot form.
	for i := 0; i < 3; i++ {
		sealed, err := k.Seal([]byte(`{"fid":42}`))
		if err != nil {
			t.Fatalf("Seal %d: %v", i, err)
		}
		if got, err := k.Open(sealed); err != nil || string(got) != `{"fid":42}` {
			t.Fatalf("key Open %d: %q, %v", i, got, err)
		}
		if got, err := Open(sealed, "ws_secret"); err != nil || string(got) != `{"fid":42}` {
			t.Fatalf("one-shot Open %d: %q, %v", i, got, err)
		}
	}

	sealed, err := Seal([]byte(`{"fid":42}`), "ws_secret")
	if err != nil {
		t.Fatalf("one-shot Seal: %v", err)
	}
	if _, err := k.Open(sealed); err != nil {
		t.Fatalf("key Open of one-shot envelope: %v", err)
	}

	other, err := DeriveKey("different-secret")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("foreign key must fail authentication, got %v", err)
	}
}
