// Package metrics はPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carebridge_credentials_issued_total",
		Help: "Credential issuance attempts, labelled by outcome.",
	}, []string{"outcome"})

	CredentialValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carebridge_credential_validations_total",
		Help: "Credential validations, labelled by outcome.",
	}, []string{"outcome"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carebridge_gateway_requests_total",
		Help: "Requests handled by the gateway, labelled by route and outcome.",
	}, []string{"route", "outcome"})

	GatewayForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carebridge_gateway_forward_duration_seconds",
		Help:    "Time spent forwarding a request to its backend.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	RPCAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carebridge_rpc_attempts_total",
		Help: "Remote call attempts, labelled by method and outcome.",
	}, []string{"method", "outcome"})

	RPCIdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carebridge_rpc_idempotent_replays_total",
		Help: "Remote calls answered from a stored idempotent result.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carebridge_events_published_total",
		Help: "Events acknowledged by the broker.",
	})

	EventsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carebridge_events_buffered_total",
		Help: "Events written to the local durable buffer after exhausting retries.",
	})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carebridge_events_consumed_total",
		Help: "Events handled by consumers, labelled by result (applied, duplicate, dead_lettered).",
	}, []string{"result"})
)

// Handler は /metrics 用のGinハンドラを返す。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
