package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ross-commits/talk-to-claude/internal/adapter/carrier"
	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

func newTestLogger() *slog.Logger { return slog.Default() }

// fakeRouter is a recording CallRouter double.
type fakeRouter struct {
	mu sync.Mutex

	handleFunc func(ctx context.Context, ev domain.CarrierEvent) (string, error)
	claimFunc  func(token string) (string, error)
	newestFunc func() (string, error)
	attachFunc func(ctx context.Context, callID string, sock domain.MediaSocket) error
	active     int

	events   []domain.CarrierEvent
	attached []domain.MediaSocket
}

func (f *fakeRouter) HandleCarrierEvent(ctx context.Context, ev domain.CarrierEvent) (string, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.handleFunc != nil {
		return f.handleFunc(ctx, ev)
	}
	return "", nil
}

func (f *fakeRouter) ClaimMediaToken(token string) (string, error) {
	if f.claimFunc != nil {
		return f.claimFunc(token)
	}
	return "call-1", nil
}

func (f *fakeRouter) NewestActiveCallID() (string, error) {
	if f.newestFunc != nil {
		return f.newestFunc()
	}
	return "", domain.NewDomainError("fake.Newest", domain.ErrSessionNotFound, "no sessions")
}

func (f *fakeRouter) AttachMedia(ctx context.Context, callID string, sock domain.MediaSocket) error {
	f.mu.Lock()
	f.attached = append(f.attached, sock)
	f.mu.Unlock()
	if f.attachFunc != nil {
		return f.attachFunc(ctx, callID, sock)
	}
	return nil
}

func (f *fakeRouter) ActiveCalls() int { return f.active }

func (f *fakeRouter) recordedEvents() []domain.CarrierEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CarrierEvent(nil), f.events...)
}

func newTestGateway(router *fakeRouter, mock *carrier.Mock, cfg config.ServerConfig) *Server {
	return NewServer(router, mock, cfg, newTestLogger())
}

func postWebhook(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	mock := carrier.NewMock()
	mock.VerifyErr = domain.NewKindError("mock.Verify", domain.ErrAuth, domain.KindBadSignature, "signature mismatch")
	router := &fakeRouter{}
	s := newTestGateway(router, mock, config.ServerConfig{})

	rec := postWebhook(s, "CallSid=CA1&CallStatus=ringing")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(router.recordedEvents()) != 0 {
		t.Error("events were routed despite auth failure")
	}
	if got := s.metrics.WebhookAuthFailures.Load(); got != 1 {
		t.Errorf("auth failure counter = %d, want 1", got)
	}
}

func TestWebhookTrustWithoutSignatureSkipsVerification(t *testing.T) {
	mock := carrier.NewMock()
	mock.VerifyErr = domain.NewKindError("mock.Verify", domain.ErrAuth, domain.KindBadSignature, "signature mismatch")
	s := newTestGateway(&fakeRouter{}, mock, config.ServerConfig{TrustWithoutSignature: true})

	rec := postWebhook(s, "CallSid=CA1&CallStatus=ringing")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookServesConnectDirective(t *testing.T) {
	mock := carrier.NewMock()
	mock.ParseEvents = []domain.CarrierEvent{
		{CallRef: "CA1", Kind: domain.EventRinging},
	}
	router := &fakeRouter{
		handleFunc: func(_ context.Context, ev domain.CarrierEvent) (string, error) {
			return "wss://bridge.example.com/media-stream?token=tok1", nil
		},
	}
	s := newTestGateway(router, mock, config.ServerConfig{TrustWithoutSignature: true})

	rec := postWebhook(s, "CallSid=CA1&CallStatus=ringing")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "connect wss://bridge.example.com/media-stream?token=tok1") {
		t.Errorf("body = %q, want the mock connect directive", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type = %q, want text/plain", ct)
	}
}

func TestWebhookDefaultReplyWhenNoDirective(t *testing.T) {
	mock := carrier.NewMock()
	mock.ParseEvents = []domain.CarrierEvent{
		{CallRef: "CA1", Kind: domain.EventHungUp},
	}
	s := newTestGateway(&fakeRouter{}, mock, config.ServerConfig{TrustWithoutSignature: true})

	rec := postWebhook(s, "CallSid=CA1&CallStatus=completed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %q, want the default mock reply", got)
	}
}

func TestWebhookUnknownSessionStillAcknowledged(t *testing.T) {
	mock := carrier.NewMock()
	mock.ParseEvents = []domain.CarrierEvent{
		{CallRef: "CA-gone", Kind: domain.EventHungUp},
	}
	router := &fakeRouter{
		handleFunc: func(context.Context, domain.CarrierEvent) (string, error) {
			return "", domain.NewDomainError("mgr.Handle", domain.ErrSessionNotFound, "call CA-gone")
		},
	}
	s := newTestGateway(router, mock, config.ServerConfig{TrustWithoutSignature: true})

	rec := postWebhook(s, "CallSid=CA-gone&CallStatus=completed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: carriers retry non-200 replies", rec.Code)
	}
}

func TestWebhookParseFailure(t *testing.T) {
	mock := carrier.NewMock()
	mock.ParseErr = domain.NewKindError("mock.Parse", domain.ErrCarrier, domain.KindParseFailed, "missing CallSid")
	s := newTestGateway(&fakeRouter{}, mock, config.ServerConfig{TrustWithoutSignature: true})

	rec := postWebhook(s, "garbage")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := s.metrics.WebhookParseFailures.Load(); got != 1 {
		t.Errorf("parse failure counter = %d, want 1", got)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	s := newTestGateway(&fakeRouter{}, carrier.NewMock(), config.ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/twiml", nil)
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestSMSFormAcknowledgedWithTwiML(t *testing.T) {
	s := newTestGateway(&fakeRouter{}, carrier.NewMock(), config.ServerConfig{TrustWithoutSignature: true})

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader("From=%2B15550100&Body=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handleSMS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q, want text/xml", ct)
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("body = %q, want empty TwiML", rec.Body.String())
	}
	if got := s.metrics.TextsReceived.Load(); got != 1 {
		t.Errorf("texts counter = %d, want 1", got)
	}
}

func TestSMSJSONAcknowledged(t *testing.T) {
	s := newTestGateway(&fakeRouter{}, carrier.NewMock(), config.ServerConfig{TrustWithoutSignature: true})

	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(`{"data":{"event_type":"message.received"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handleSMS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %q", got)
	}
}

func TestHealthReportsActiveCalls(t *testing.T) {
	s := newTestGateway(&fakeRouter{active: 3}, carrier.NewMock(), config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"activeCalls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if resp.Status != "ok" || resp.ActiveCalls != 3 {
		t.Errorf("health = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestGateway(&fakeRouter{active: 2}, carrier.NewMock(), config.ServerConfig{})
	s.metrics.WebhooksTotal.Add(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handleMetrics(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"bridge_calls_active 2",
		"bridge_webhooks_total 5",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %q", want)
		}
	}
}
