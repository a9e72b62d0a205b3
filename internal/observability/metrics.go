package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Frame outcomes reported by room sessions.
const (
	FrameBroadcast      = "broadcast"
	FrameInvalidPayload = "invalid_payload"
	FrameEmpty          = "empty"
	FrameNotFound       = "not_found"
	FrameStorageError   = "storage_error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active room sessions.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	wsAdmissionRefusedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_admission_refused_total",
			Help: "Handshakes refused before upgrade, by reason.",
		},
		[]string{"reason"},
	)
	wsFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_frames_total",
			Help: "Inbound frames by processing outcome.",
		},
		[]string{"outcome"},
	)
	mediaIngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_media_ingest_total",
			Help: "Attachments ingested, by result.",
		},
		[]string{"result"},
	)
	broadcastDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_drops_total",
			Help: "Connections evicted because their outbound queue was full.",
		},
	)
	messageAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_message_append_duration_seconds",
			Help:    "Latency of message store appends.",
			Buckets: prometheus.DefBuckets,
		},
	)
	relayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Payloads passed through the redis broadcast relay.",
		},
		[]string{"direction"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		wsAdmissionRefusedTotal,
		wsFramesTotal,
		mediaIngestTotal,
		broadcastDropsTotal,
		messageAppendDuration,
		relayMessagesTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAdmissionRefused(reason string) {
	wsAdmissionRefusedTotal.WithLabelValues(reason).Inc()
}

func IncFrame(outcome string) {
	wsFramesTotal.WithLabelValues(outcome).Inc()
}

func IncMediaIngest(ok bool) {
	if ok {
		mediaIngestTotal.WithLabelValues("stored").Inc()
		return
	}
	mediaIngestTotal.WithLabelValues("rejected").Inc()
}

func IncBroadcastDrop() {
	broadcastDropsTotal.Inc()
}

func ObserveAppend(d time.Duration) {
	messageAppendDuration.Observe(d.Seconds())
}

func IncRelay(direction string) {
	relayMessagesTotal.WithLabelValues(direction).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
