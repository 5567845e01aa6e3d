package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the messaging
// core.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	broadcastsSent  prometheus.Counter
	broadcastsDrop  prometheus.Counter
	wsConnections   prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	messagesSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages persisted through the message store",
	}, []string{"type"})

	broadcastsSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcasts_delivered_total",
		Help: "Frames delivered to live subscribers",
	})

	broadcastsDrop := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcasts_dropped_total",
		Help: "Frames dropped because a subscriber could not keep up",
	})

	wsConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Currently connected websocket subscribers",
	})

	registry.MustRegister(requestDuration, requestTotal, messagesSent, broadcastsSent, broadcastsDrop, wsConnections)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		messagesSent:    messagesSent,
		broadcastsSent:  broadcastsSent,
		broadcastsDrop:  broadcastsDrop,
		wsConnections:   wsConnections,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one served HTTP request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := []string{method, path, fmt.Sprintf("%d", status)}
	s.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	s.requestTotal.WithLabelValues(labels...).Inc()
}

// MessageSent counts a persisted message by payload type.
func (s *MetricsService) MessageSent(messageType string) {
	s.messagesSent.WithLabelValues(messageType).Inc()
}

// SubscriberConnected tracks a new live websocket subscriber.
func (s *MetricsService) SubscriberConnected() {
	s.wsConnections.Inc()
}

// SubscriberDisconnected tracks a departed websocket subscriber.
func (s *MetricsService) SubscriberDisconnected() {
	s.wsConnections.Dec()
}

// BroadcastDelivered counts a frame handed to a subscriber connection.
func (s *MetricsService) BroadcastDelivered() {
	s.broadcastsSent.Inc()
}

// BroadcastDropped counts a frame lost to a slow subscriber.
func (s *MetricsService) BroadcastDropped() {
	s.broadcastsDrop.Inc()
}
