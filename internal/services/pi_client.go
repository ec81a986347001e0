package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PiClient talks to the Pi platform API on behalf of a logged-in user.
type PiClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewPiClient(baseURL string, timeout time.Duration, log *zap.Logger) *PiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// PiUser is the subset of /v2/me we rely on.
type PiUser struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

// Me verifies accessToken against the Pi platform and returns its owner.
func (c *PiClient) Me(ctx context.Context, accessToken string) (*PiUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPiUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredentials
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn("pi platform error", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return nil, fmt.Errorf("%w: status %d", ErrPiUnavailable, resp.StatusCode)
	}

	var user PiUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrPiUnavailable, err)
	}
	if user.UID == "" {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
