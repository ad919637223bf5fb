package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lingogw_token_refresh_total",
			Help: "Token refresh attempts by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // guard|sweep , ok|failed
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lingogw_webhook_events_total",
			Help: "Inbound webhook events by topic and handling result",
		},
		[]string{"topic", "result"}, // app_subscriptions/update|unknown , handled|ignored|failed
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lingogw_jobs_total",
			Help: "Dispatch jobs by kind and terminal state",
		},
		[]string{"kind", "state"}, // single|batch , completed|failed
	)

	QuotaDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingogw_quota_denied_total",
			Help: "Requests rejected because the tenant quota was exhausted",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		RefreshTotal,
		WebhookEventsTotal,
		JobsTotal,
		QuotaDeniedTotal,
	)
}
