package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"

	"go.uber.org/zap"
)

// TopicSubscriptionUpdate is the only topic this app subscribes to upstream.
const TopicSubscriptionUpdate = "app_subscriptions/update"

var ErrInvalidSecret = errors.New("invalid webhook secret")

// subscriptionEvent is the POST body of a subscription update.
type subscriptionEvent struct {
	Status    string          `json:"status"`
	ExpiredAt json.RawMessage `json:"expired_at"`
}

// Tracker derives tenant subscription state from inbound webhook events. The
// credential record gets its status and window updated in place; the
// TTL-bound subscription marker is written on "active" and deleted on
// anything else.
type Tracker struct {
	creds  *repository.CredentialsRepository
	subs   *repository.SubscriptionsRepository
	secret string
	log    *zap.Logger
}

func NewTracker(
	creds *repository.CredentialsRepository,
	subs *repository.SubscriptionsRepository,
	secret string,
	log *zap.Logger,
) *Tracker {
	return &Tracker{creds: creds, subs: subs, secret: secret, log: log}
}

// VerifyChallenge answers the upstream handshake: echo the challenge back
// when the verify token matches the configured secret.
func (t *Tracker) VerifyChallenge(mode, challenge, verifyToken string) (string, error) {
	if mode == "" || verifyToken == "" {
		return "", nil
	}
	if verifyToken != t.secret {
		return "", ErrInvalidSecret
	}
	return challenge, nil
}

// HandleEvent processes one webhook delivery. Unknown topics are logged and
// ignored. The returned error is for the caller's log only; the HTTP layer
// answers 200 regardless, to avoid upstream retry storms.
func (t *Tracker) HandleEvent(ctx context.Context, topic, orgID string, body []byte) error {
	switch topic {
	case TopicSubscriptionUpdate:
		if err := t.handleSubscriptionUpdate(ctx, orgID, body); err != nil {
			metrics.WebhookEventsTotal.WithLabelValues(topic, "failed").Inc()
			return err
		}
		metrics.WebhookEventsTotal.WithLabelValues(topic, "handled").Inc()
		return nil
	default:
		t.log.Warn("unhandled webhook topic", zap.String("topic", topic), zap.String("orgid", orgID))
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}
}

func (t *Tracker) handleSubscriptionUpdate(ctx context.Context, orgID string, body []byte) error {
	var ev subscriptionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}

	// Deactivation events often arrive without expired_at; the status change
	// must still land. Only the active branch needs the timestamp, for the
	// marker TTL.
	expiresAt, expiryErr := parseExpiredAt(ev.ExpiredAt)

	// credential status/window update only applies to installed tenants
	_, err := t.creds.Update(ctx, orgID, func(cred *model.TenantCredential) {
		cred.Status = model.CredentialStatus(ev.Status)
		if expiryErr == nil {
			cred.SubscriptionExpiresAt = expiresAt.UnixMilli()
		}
	})
	if err != nil && !errors.Is(err, repository.ErrCredentialNotFound) {
		return err
	}

	if ev.Status == string(model.StatusActive) {
		if expiryErr != nil {
			// status is applied, but without a window there is no TTL to
			// write; leave any existing marker untouched
			return fmt.Errorf("activation event: %w", expiryErr)
		}
		t.log.Info("subscription activated", zap.String("orgid", orgID), zap.Time("expires_at", expiresAt))
		return t.subs.Save(ctx, model.SubscriptionRecord{
			OrgID:     orgID,
			Status:    ev.Status,
			ExpiredAt: expiresAt.UnixMilli(),
			Payload:   body,
		}, time.Until(expiresAt))
	}

	t.log.Info("subscription deactivated", zap.String("orgid", orgID), zap.String("status", ev.Status))
	return t.subs.Delete(ctx, orgID)
}

// parseExpiredAt accepts the upstream's two shapes for expired_at: an
// RFC3339 string or a unix-milliseconds number.
func parseExpiredAt(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, errors.New("subscription event missing expired_at")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse expired_at %q: %w", s, err)
		}
		return ts, nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expired_at %s: %w", string(raw), err)
	}
	return time.UnixMilli(ms), nil
}
