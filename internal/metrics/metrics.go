package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Requests      *prometheus.CounterVec
	Notices       *prometheus.CounterVec
	Revalidations *prometheus.CounterVec
	MessagesSent  prometheus.Counter
	SendFailures  prometheus.Counter
	Takeovers     prometheus.Counter
	ForcedLogouts prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "api_requests_total",
				Help:      "API requests by endpoint and outcome",
			}, []string{"endpoint", "outcome"}),
			Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "notices_total",
				Help:      "Advisory notices raised, by kind",
			}, []string{"kind"}),
			Revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "session_revalidations_total",
				Help:      "Background session revalidations by result",
			}, []string{"result"}),
			MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "messages_sent_total",
				Help:      "Chat messages that received a reply pair",
			}),
			SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "message_send_failures_total",
				Help:      "Chat sends that failed and restored the draft",
			}),
			Takeovers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "admin_takeovers_total",
				Help:      "Admin messages injected into conversations",
			}),
			ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "kesepian",
				Name:      "forced_logouts_total",
				Help:      "Credentials cleared because the API answered 401",
			}),
		}
		prometheus.MustRegister(
			global.Requests,
			global.Notices,
			global.Revalidations,
			global.MessagesSent,
			global.SendFailures,
			global.Takeovers,
			global.ForcedLogouts,
		)
	})
	return global
}
