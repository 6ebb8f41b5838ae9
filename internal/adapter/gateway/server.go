// Package gateway is the HTTP front door for the carriers: webhook POSTs on
// /twiml and /sms, the media-stream WebSocket upgrade, a health probe and a
// Prometheus-style metrics endpoint. It authenticates requests, normalizes
// them through the carrier port, and routes the results to the call manager.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/middleware"
)

// maxWebhookBody bounds carrier webhook payloads; real ones are well under 4 KiB.
const maxWebhookBody = 64 << 10

// shutdownGrace bounds how long Stop waits for in-flight requests.
const shutdownGrace = 5 * time.Second

// CallRouter is the slice of the call manager the gateway routes into.
type CallRouter interface {
	// HandleCarrierEvent routes one normalized webhook event. A non-empty
	// wsURL means the carrier must be served the media connect directive
	// pointing at that URL.
	HandleCarrierEvent(ctx context.Context, ev domain.CarrierEvent) (wsURL string, err error)
	// ClaimMediaToken resolves a media-stream token to its call id and burns
	// it: each token admits at most one upgrade.
	ClaimMediaToken(token string) (callID string, err error)
	// NewestActiveCallID returns the most recently created live session, for
	// untokenized upgrades on tunneled deployments.
	NewestActiveCallID() (callID string, err error)
	// AttachMedia hands an upgraded media socket to its session.
	AttachMedia(ctx context.Context, callID string, sock domain.MediaSocket) error
	// ActiveCalls returns the number of live sessions.
	ActiveCalls() int
}

// Metrics tracks gateway counters for the /metrics endpoint.
type Metrics struct {
	WebhooksTotal          atomic.Int64
	WebhookAuthFailures    atomic.Int64
	WebhookParseFailures   atomic.Int64
	MediaUpgradesTotal     atomic.Int64
	MediaUpgradeRejections atomic.Int64
	TextsReceived          atomic.Int64
}

// Server is the carrier-facing HTTP server.
type Server struct {
	router    CallRouter
	carrier   domain.Carrier
	cfg       config.ServerConfig
	logger    *slog.Logger
	metrics   *Metrics
	startTime time.Time

	httpSrv   *http.Server
	boundAddr string
}

// NewServer wires the gateway. It does not bind the port; Start does.
func NewServer(router CallRouter, car domain.Carrier, cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    router,
		carrier:   car,
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		metrics:   &Metrics{},
		startTime: time.Now(),
	}
	if cfg.TrustWithoutSignature {
		s.logger.Warn("webhook signature verification disabled; trusting the tunnel")
	}
	return s
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/twiml", s.handleWebhook)
	mux.HandleFunc("/sms", s.handleSMS)
	mux.HandleFunc("/media-stream", s.handleMediaStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	var handler http.Handler = mux
	handler = middleware.MaxBody(maxWebhookBody)(handler)
	if s.cfg.RateLimitPerMinute > 0 {
		handler = middleware.RateLimit(ctx, s.cfg.RateLimitPerMinute, s.cfg.RateBurst)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.boundAddr, "carrier", s.carrier.Name())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down. Hijacked media sockets are owned by
// their sessions and are closed by the manager's shutdown broadcast.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"activeCalls": s.router.ActiveCalls(),
	})
}

// handleMetrics serves GET /metrics in the Prometheus text format. The
// lightweight format keeps the full prometheus client out of the build.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP bridge_calls_active Number of live call sessions.\n")
	fmt.Fprintf(w, "# TYPE bridge_calls_active gauge\n")
	fmt.Fprintf(w, "bridge_calls_active %d\n", s.router.ActiveCalls())

	fmt.Fprintf(w, "# HELP bridge_webhooks_total Carrier webhook requests received.\n")
	fmt.Fprintf(w, "# TYPE bridge_webhooks_total counter\n")
	fmt.Fprintf(w, "bridge_webhooks_total %d\n", s.metrics.WebhooksTotal.Load())

	fmt.Fprintf(w, "# HELP bridge_webhook_auth_failures_total Webhooks rejected for bad signatures.\n")
	fmt.Fprintf(w, "# TYPE bridge_webhook_auth_failures_total counter\n")
	fmt.Fprintf(w, "bridge_webhook_auth_failures_total %d\n", s.metrics.WebhookAuthFailures.Load())

	fmt.Fprintf(w, "# HELP bridge_webhook_parse_failures_total Webhooks that failed to parse.\n")
	fmt.Fprintf(w, "# TYPE bridge_webhook_parse_failures_total counter\n")
	fmt.Fprintf(w, "bridge_webhook_parse_failures_total %d\n", s.metrics.WebhookParseFailures.Load())

	fmt.Fprintf(w, "# HELP bridge_media_upgrades_total Media WebSocket upgrades accepted.\n")
	fmt.Fprintf(w, "# TYPE bridge_media_upgrades_total counter\n")
	fmt.Fprintf(w, "bridge_media_upgrades_total %d\n", s.metrics.MediaUpgradesTotal.Load())

	fmt.Fprintf(w, "# HELP bridge_media_upgrade_rejections_total Media WebSocket upgrades rejected.\n")
	fmt.Fprintf(w, "# TYPE bridge_media_upgrade_rejections_total counter\n")
	fmt.Fprintf(w, "bridge_media_upgrade_rejections_total %d\n", s.metrics.MediaUpgradeRejections.Load())

	fmt.Fprintf(w, "# HELP bridge_texts_received_total Inbound SMS webhooks acknowledged.\n")
	fmt.Fprintf(w, "# TYPE bridge_texts_received_total counter\n")
	fmt.Fprintf(w, "bridge_texts_received_total %d\n", s.metrics.TextsReceived.Load())

	fmt.Fprintf(w, "# HELP bridge_uptime_seconds Seconds since the bridge started.\n")
	fmt.Fprintf(w, "# TYPE bridge_uptime_seconds gauge\n")
	fmt.Fprintf(w, "bridge_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
}
