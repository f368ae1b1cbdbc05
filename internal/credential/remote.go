package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rezaa1/liveagent/internal/retry"
)

// Remote fetches tokens from an HTTP token endpoint. The endpoint accepts
// POST {"room": ..., "participant": ...} and answers {"token": ...}.
type Remote struct {
	Endpoint string
	// Token is sent as a bearer token when non-empty.
	Token  string
	Client *http.Client
	Retry  retry.Config
}

// NewRemote creates a supplier for endpoint with default retry settings.
func NewRemote(endpoint, bearer string) *Remote {
	return &Remote{
		Endpoint: endpoint,
		Token:    bearer,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Retry:    retry.DefaultConfig(),
	}
}

type tokenRequest struct {
	Room        string `json:"room"`
	Participant string `json:"participant"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Issue requests a token. Transport failures and 5xx answers are retried;
// 4xx answers are configuration errors and are not.
func (r *Remote) Issue(ctx context.Context, session, identity string) (Credential, error) {
	if r.Endpoint == "" {
		return Credential{}, &Error{Kind: KindConfig, Err: errors.New("token endpoint is not configured")}
	}
	if err := validateRequest(session, identity); err != nil {
		return Credential{}, err
	}

	body, err := json.Marshal(tokenRequest{Room: session, Participant: identity})
	if err != nil {
		return Credential{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("marshal token request: %w", err)}
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	var token string
	err = retry.Do(ctx, r.Retry, "credential fetch", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(&Error{Kind: KindConfig, Err: fmt.Errorf("build token request: %w", err)})
		}
		req.Header.Set("Content-Type", "application/json")
		if r.Token != "" {
			req.Header.Set("Authorization", "Bearer "+r.Token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return fmt.Errorf("read token response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(&Error{
				Kind: KindConfig,
				Err:  fmt.Errorf("token endpoint rejected request: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
			})
		}

		var parsed tokenResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		if parsed.Token == "" {
			return retry.Permanent(&Error{Kind: KindConfig, Err: errors.New("token endpoint returned an empty token")})
		}
		token = parsed.Token
		return nil
	})
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return Credential{}, err
		}
		return Credential{}, &Error{Kind: KindUnavailable, Err: err}
	}

	return Credential{
		Token:     token,
		Session:   session,
		Identity:  identity,
		ExpiresAt: expiryOf(token),
	}, nil
}
