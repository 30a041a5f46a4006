package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteVerifier delegates validation to the identity service. It POSTs the
// bearer header to the validate URL and reads {userId, role} from a 200
// response; 401 and 403 mean the token is invalid.
type RemoteVerifier struct {
	url    string
	client *http.Client
}

// NewRemoteVerifier creates a verifier calling url with the given timeout.
func NewRemoteVerifier(url string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type validateResponse struct {
	UserID json.RawMessage `json:"userId"`
	Role   string          `json:"role"`
	Exp    int64           `json:"exp"`
}

// Verify calls the identity service. The request is bound to ctx so a
// client disconnect cancels it.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, nil)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Claims{}, fmt.Errorf("%w: rejected by identity service", ErrInvalidSignature)
	case resp.StatusCode != http.StatusOK:
		return Claims{}, fmt.Errorf("%w: identity service returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}

	var body validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Claims{}, fmt.Errorf("%w: decoding response: %v", ErrVerifierUnavailable, err)
	}

	claims := Claims{UserID: rawID(body.UserID), Role: body.Role}
	if body.Exp > 0 {
		claims.ExpiresAt = time.Unix(body.Exp, 0)
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: identity service returned no userId", ErrInvalidSignature)
	}
	return claims, nil
}

// rawID accepts a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
