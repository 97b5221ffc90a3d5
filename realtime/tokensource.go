package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPTokenSource obtains encrypted session descriptors from the bridge's
// issuance endpoint (POST /api/verify), presenting the user's bearer
// credential.
type HTTPTokenSource struct {
	// URL of the issuance endpoint.
	URL string
	// Credential is the Quick Auth bearer token.
	Credential string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func (s *HTTPTokenSource) SessionToken(ctx context.Context) (string, error) {
	httpc := s.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build issuance request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Credential)

	resp, err := httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("issuance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("issuance failed: status %d", resp.StatusCode)
	}

	var body struct {
		EncryptedToken string `json:"encrypted_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode issuance response: %w", err)
	}
	if body.EncryptedToken == "" {
		return "", errors.New("issuance response missing encrypted_token")
	}
	return body.EncryptedToken, nil
}
