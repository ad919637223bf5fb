package model

import "time"

type CredentialStatus string

const (
	StatusTrial          CredentialStatus = "trial"
	StatusActive         CredentialStatus = "active"
	StatusUnactive       CredentialStatus = "unactive"
	StatusCancelled      CredentialStatus = "cancelled"
	StatusNeedsReinstall CredentialStatus = "needs_reinstall"
)

func (s CredentialStatus) String() string {
	return string(s)
}

func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusUnactive, StatusCancelled, StatusNeedsReinstall:
		return true
	}
	return false
}

// TenantCredential is the per-tenant credential record kept in the KV store.
// Token fields are replaced on every refresh; status, quota and the
// subscription window survive merges. TokenExpiresAt and
// SubscriptionExpiresAt run on distinct clocks: the first bounds the
// technical validity of the access token, the second the commercial
// entitlement.
type TenantCredential struct {
	OrgID        string `json:"orgid"`
	OrgSubject   string `json:"orgsub"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// TokenExpiresAt is unix milliseconds. Zero on legacy records, which is
	// treated as already expired.
	TokenExpiresAt int64 `json:"token_expires_at,omitempty"`

	Status                CredentialStatus `json:"status"`
	SubscriptionExpiresAt int64            `json:"subscription_expires_at"` // unix ms

	// QuotaTotal and QuotaRemaining are the allotment snapshot taken at
	// install time. Live usage is the redis counter behind QuotaLedger,
	// which is authoritative; these fields are never reconciled with it.
	QuotaTotal     int64 `json:"quota_total"`
	QuotaRemaining int64 `json:"quota_remaining"`

	// Version supports optimistic concurrency on read-modify-write merges.
	Version int64 `json:"version"`
}

// NeedsRefresh reports whether the access token is missing an expiry or
// expires within skew.
func (c *TenantCredential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.TokenExpiresAt == 0 {
		return true
	}
	return c.TokenExpiresAt-now.UnixMilli() < skew.Milliseconds()
}

// SubscriptionLapsed reports whether the commercial window is over.
func (c *TenantCredential) SubscriptionLapsed(now time.Time) bool {
	return c.SubscriptionExpiresAt > 0 && now.UnixMilli() > c.SubscriptionExpiresAt
}
