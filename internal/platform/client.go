package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lingo-gateway/internal/config"
)

const (
	grantTypeAuthCode = "authorization_code"
	grantTypeRefresh  = "refresh_token"
)

var (
	// ErrEmptyTokenResponse is returned when the token endpoint answered
	// without a usable body; the exchange must be treated as failed.
	ErrEmptyTokenResponse = errors.New("token endpoint returned empty response")
)

// TokenResponse holds the token endpoint's reply for both the
// authorization-code and refresh-token grants.
type TokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Client talks to the commerce platform: OAuth token endpoint plus the
// metafield mutation API.
type Client struct {
	cfg        config.PlatformConfig
	httpClient *http.Client
}

func NewClient(cfg config.PlatformConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AuthorizeURL builds the install-redirect URL a tenant without a live
// session is sent to.
func (c *Client) AuthorizeURL() string {
	q := url.Values{}
	q.Set("response_type", c.cfg.ResponseType)
	q.Set("scope", c.cfg.ScopeInstall)
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.InstallCallbackURL)
	q.Set("nonce", c.cfg.Nonce)
	return c.cfg.AuthorizeURL + "?" + q.Encode()
}

// FrontendURL returns the app front end, optionally scoped to a tenant.
func (c *Client) FrontendURL(orgID string) string {
	if orgID == "" {
		return c.cfg.FrontendURL
	}
	return c.cfg.FrontendURL + "?orgid=" + url.QueryEscape(orgID)
}

// ExchangeAuthCode trades an authorization code for tokens.
func (c *Client) ExchangeAuthCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", grantTypeAuthCode)
	form.Set("redirect_uri", c.cfg.InstallCallbackURL)
	return c.exchange(ctx, form)
}

// ExchangeRefreshToken trades a refresh token for a fresh token pair.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", grantTypeRefresh)
	return c.exchange(ctx, form)
}

func (c *Client) exchange(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("token endpoint status=%d body=%s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyTokenResponse
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, ErrEmptyTokenResponse
	}
	return &tr, nil
}

// ---- Metafield mutation API ----

func (c *Client) CreateMetafield(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	return c.call(ctx, token, http.MethodPost, "/com/metafields.json", body)
}

func (c *Client) UpdateMetafield(ctx context.Context, token, metafieldID string, body json.RawMessage) (json.RawMessage, error) {
	return c.call(ctx, token, http.MethodPut, "/com/metafields/"+url.PathEscape(metafieldID)+".json", body)
}

func (c *Client) DeleteMetafield(ctx context.Context, token, metafieldID string) (json.RawMessage, error) {
	return c.call(ctx, token, http.MethodDelete, "/com/metafields/"+url.PathEscape(metafieldID)+".json", nil)
}

func (c *Client) call(ctx context.Context, token, method, path string, body json.RawMessage) (json.RawMessage, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("platform api %s %s status=%d body=%s", method, path, res.StatusCode, string(out))
	}
	if len(out) == 0 {
		return nil, nil
	}
	return json.RawMessage(out), nil
}
