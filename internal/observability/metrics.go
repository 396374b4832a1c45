package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreatedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_created_total", Help: "Offers created across all orders"})
	OffersAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_accepted_total", Help: "Offers accepted by drivers"})
	OffersRejectedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_rejected_total", Help: "Offers rejected by drivers"})
	OffersExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_expired_total", Help: "Offers that lapsed unanswered"})
	OffersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_cancelled_total", Help: "Offers cancelled after a competing acceptance or driver going offline"})
	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race or hit a non-pending offer"})
	NoDriversTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "no_drivers_total", Help: "Orders for which no drivers were found"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "delivery_dispatch", Name: "match_latency_seconds", Help: "Candidate search plus offer creation latency"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "delivery_dispatch", Name: "drivers_online", Help: "Drivers currently reporting locations"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
