package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/platform"
	"lingo-gateway/internal/repository"

	"go.uber.org/zap"
)

const (
	// trialWindow is the commercial window granted on first install.
	trialWindow = 7 * 24 * time.Hour
)

var (
	ErrMissingAuthCode     = errors.New("missing authorization code")
	ErrMissingRefreshToken = errors.New("missing refresh token")
)

// Exchanger is the slice of the platform client the lifecycle manager needs.
type Exchanger interface {
	ExchangeAuthCode(ctx context.Context, code string) (*platform.TokenResponse, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*platform.TokenResponse, error)
	AuthorizeURL() string
	FrontendURL(orgID string) string
}

// Manager orchestrates the credential lifecycle: install exchanges an
// authorization code, refresh exchanges a refresh token, and both write
// merge-preserving updates so status, quota and the subscription window
// survive token rotation.
type Manager struct {
	creds    *repository.CredentialsRepository
	subs     *repository.SubscriptionsRepository
	api      Exchanger
	trialMax int64
	log      *zap.Logger
}

func NewManager(
	creds *repository.CredentialsRepository,
	subs *repository.SubscriptionsRepository,
	api Exchanger,
	trialMax int64,
	log *zap.Logger,
) *Manager {
	return &Manager{creds: creds, subs: subs, api: api, trialMax: trialMax, log: log}
}

// InstallResult tells the HTTP layer where to send the tenant next.
type InstallResult struct {
	OrgID       string
	RedirectURL string
}

// Install exchanges code for tokens, decodes the tenant identity and writes
// the credential record. An existing record keeps its status, quota and
// subscription window; only the token fields rotate. A first install starts
// the tenant on trial.
func (m *Manager) Install(ctx context.Context, code string) (*InstallResult, error) {
	if code == "" {
		return nil, ErrMissingAuthCode
	}

	tr, err := m.api.ExchangeAuthCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("install exchange: %w", err)
	}

	identity, err := platform.DecodeIdentityToken(tr.IDToken)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.UnixMilli() + tr.ExpiresIn*1000

	cred, err := m.creds.Merge(ctx, identity.OrgID, func(cur *model.TenantCredential) *model.TenantCredential {
		next := &model.TenantCredential{
			OrgID:        identity.OrgID,
			OrgSubject:   identity.OrgSubject,
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,

			TokenExpiresAt: expiresAt,
		}
		if cur != nil {
			next.Status = cur.Status
			next.SubscriptionExpiresAt = cur.SubscriptionExpiresAt
			next.QuotaTotal = cur.QuotaTotal
			next.QuotaRemaining = cur.QuotaRemaining
		} else {
			next.Status = model.StatusTrial
			next.SubscriptionExpiresAt = now.Add(trialWindow).UnixMilli()
			next.QuotaTotal = m.trialMax
			next.QuotaRemaining = m.trialMax
		}
		return next
	})
	if err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	m.log.Info("tenant installed",
		zap.String("orgid", cred.OrgID),
		zap.String("status", cred.Status.String()),
	)

	return &InstallResult{
		OrgID:       cred.OrgID,
		RedirectURL: m.api.FrontendURL(cred.OrgID),
	}, nil
}

// Refresh exchanges refreshToken and merges the new token pair into the
// stored record, preserving every non-token field. It returns the new access
// token. On upstream failure the error comes back to the caller, which
// decides whether to log-and-continue; the stored credential is unchanged.
func (m *Manager) Refresh(ctx context.Context, orgID, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", ErrMissingRefreshToken
	}

	tr, err := m.api.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh exchange: %w", err)
	}

	expiresAt := time.Now().UnixMilli() + tr.ExpiresIn*1000

	_, err = m.creds.Merge(ctx, orgID, func(cur *model.TenantCredential) *model.TenantCredential {
		if cur == nil {
			// no record yet (legacy tenant): store just the token pair
			return &model.TenantCredential{
				OrgID:          orgID,
				AccessToken:    tr.AccessToken,
				RefreshToken:   tr.RefreshToken,
				TokenExpiresAt: expiresAt,
			}
		}
		cur.AccessToken = tr.AccessToken
		cur.RefreshToken = tr.RefreshToken
		cur.TokenExpiresAt = expiresAt
		return cur
	})
	if err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}

	return tr.AccessToken, nil
}

// LoginURL decides where an interactive login lands: tenants with a live
// subscription record go straight to the front end, everyone else through
// the install flow.
func (m *Manager) LoginURL(ctx context.Context, orgID string) (string, error) {
	if orgID == "" || orgID == "null" {
		return m.api.AuthorizeURL(), nil
	}
	active, err := m.subs.Exists(ctx, orgID)
	if err != nil {
		return "", err
	}
	if !active {
		return m.api.AuthorizeURL(), nil
	}
	return m.api.FrontendURL(""), nil
}
