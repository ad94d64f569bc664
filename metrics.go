package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the HTTP and business collectors of the storefront. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
	Orders      *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Cache       *prometheus.CounterVec
	Logins      *prometheus.CounterVec
	gatherer    prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "orders_total",
			Help:      "Order creation attempts by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "order_status_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to"}),
		Cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "catalog_cache_lookups_total",
			Help:      "Catalog cache lookups by result.",
		}, []string{"result"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Orders, m.Transitions, m.Cache, m.Logins)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(handler string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) orderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) transition(from, to OrderStatus) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) cacheResult(result string) {
	if m == nil {
		return
	}
	m.Cache.WithLabelValues(result).Inc()
}

func (m *Metrics) login(result string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(result).Inc()
}
