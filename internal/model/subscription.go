package model

import "encoding/json"

// SubscriptionRecord marks a currently active commercial subscription.
// Its TTL in the store equals the seconds remaining until ExpiredAt, so
// absence of the record is the authoritative "not active" signal.
type SubscriptionRecord struct {
	OrgID     string          `json:"orgid"`
	Status    string          `json:"status"`
	ExpiredAt int64           `json:"expired_at"` // unix ms
	Payload   json.RawMessage `json:"payload,omitempty"`
}
