package carrier

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// PlacedCall records one PlaceOutbound invocation on the mock.
type PlacedCall struct {
	To         string
	From       string
	WebhookURL string
}

// StreamStart records one StartMediaStream invocation on the mock.
type StreamStart struct {
	CallRef string
	WSURL   string
}

// SentSMS records one SendSMS invocation on the mock.
type SentSMS struct {
	To        string
	From      string
	Body      string
	MediaURLs []string
}

// Mock is a recording test double for domain.Carrier. It also backs the
// "mock" carrier setting, letting the whole stack run without a telephony
// account. Safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	PlaceErr  error
	HangupErr error
	StreamErr error
	VerifyErr error
	SMSErr    error

	ParseEvents []domain.CarrierEvent
	ParseReply  domain.WebhookReply
	ParseErr    error

	PlacedCalls  []PlacedCall
	Hangups      []string
	StreamStarts []StreamStart
	SMSes        []SentSMS

	refCounter int
}

// NewMock creates a mock carrier with a default OK webhook reply.
func NewMock() *Mock {
	return &Mock{
		ParseReply: domain.WebhookReply{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"status":"ok"}`)},
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) PlaceOutbound(_ context.Context, to, from, webhookURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlacedCalls = append(m.PlacedCalls, PlacedCall{To: to, From: from, WebhookURL: webhookURL})
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	m.refCounter++
	return fmt.Sprintf("mock-call-%d", m.refCounter), nil
}

func (m *Mock) StartMediaStream(_ context.Context, callRef, wsURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamStarts = append(m.StreamStarts, StreamStart{CallRef: callRef, WSURL: wsURL})
	return m.StreamErr
}

func (m *Mock) Hangup(_ context.Context, callRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hangups = append(m.Hangups, callRef)
	return m.HangupErr
}

func (m *Mock) MediaConnectDirective(wsURL string) domain.ConnectDirective {
	return domain.ConnectDirective{ContentType: "text/plain", Body: []byte("connect " + wsURL)}
}

func (m *Mock) VerifyWebhook(*http.Request, []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.VerifyErr
}

func (m *Mock) ParseWebhook(*http.Request, []byte) ([]domain.CarrierEvent, domain.WebhookReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ParseEvents, m.ParseReply, m.ParseErr
}

func (m *Mock) SendSMS(_ context.Context, to, from, body string, mediaURLs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SMSes = append(m.SMSes, SentSMS{To: to, From: from, Body: body, MediaURLs: mediaURLs})
	return m.SMSErr
}
