package platform

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingOrgClaim = errors.New("id token missing orgid claim")

// IdentityClaims are the tenant-identifying claims carried in the id token
// issued at install time.
type IdentityClaims struct {
	OrgID      string
	OrgSubject string
}

// DecodeIdentityToken extracts the tenant claims from an id token without
// verifying its signature. The token arrives in the body of the TLS response
// from the token endpoint itself, so the channel authenticates it.
func DecodeIdentityToken(idToken string) (*IdentityClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("decode id token: %w", err)
	}

	orgID, _ := claims["orgid"].(string)
	if orgID == "" {
		return nil, ErrMissingOrgClaim
	}
	orgSub, _ := claims["orgsub"].(string)

	return &IdentityClaims{OrgID: orgID, OrgSubject: orgSub}, nil
}
